package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pulse/am"
	"github.com/teranos/pulse/db"
	"github.com/teranos/pulse/errors"
	"github.com/teranos/pulse/logger"
	"github.com/teranos/pulse/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the job store database",
	Long: sym.DB + ` db — Manage the job store database

Examples:
  pulse db migrate                          # Migrate the configured store
  pulse db migrate --dialect postgres --dsn postgres://localhost/pulse`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the job store schema",
	Long:  "Apply pending schema migrations. pulse start does this too; run it ahead of time to migrate with a privileged user.",
	RunE:  runDbMigrate,
}

var (
	migrateDialect string
	migrateDSN     string
)

func init() {
	dbMigrateCmd.Flags().StringVar(&migrateDialect, "dialect", "", "sqlite or postgres (default: store.type)")
	dbMigrateCmd.Flags().StringVar(&migrateDSN, "dsn", "", "Database path or connection string (default: store.dsn)")
	DbCmd.AddCommand(dbMigrateCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	dialectName, dsn := migrateDialect, migrateDSN
	if dialectName == "" || dsn == "" {
		cfg, err := loadConfig()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		if dialectName == "" {
			dialectName = cfg.Store.Type
		}
		if dsn == "" {
			dsn = cfg.Store.DSN
		}
	}
	if dialectName == am.StoreRAM {
		return errors.WithHint(errors.New("the ram store has no schema"),
			"set store.type to sqlite or postgres, or pass --dialect")
	}

	dialect, err := db.ParseDialect(dialectName)
	if err != nil {
		return err
	}
	conn, err := db.Open(dialect, dsn, logger.Logger.Named("db"))
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := db.Migrate(conn, dialect, logger.Logger.Named("db")); err != nil {
		return errors.Wrap(err, "migrate")
	}
	pterm.Success.Printf("%s %s store at %s is up to date\n", sym.DB, dialect, dsn)
	return nil
}
