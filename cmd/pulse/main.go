package main

import (
	"fmt"
	"os"

	"github.com/teranos/pulse/cmd/pulse/commands"
	"github.com/teranos/pulse/logger"
)

func main() {
	defer logger.Cleanup()
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
