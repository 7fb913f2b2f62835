// Package sym holds the glyphs pulse uses to tag log lines and CLI output.
package sym

// Scheduler glyphs
const (
	Pulse      = "꩜" // scheduler loop, triggers and job runs
	PulseOpen  = "✿" // startup, recovery of fired triggers
	PulseClose = "❀" // shutdown, draining in-flight jobs
	DB         = "⊔" // job store and migrations
	AM         = "≡" // configuration
	Cluster    = "⋈" // checkins between nodes
)

// All returns every glyph keyed by its name, in display order.
func All() []struct{ Name, Glyph string } {
	return []struct{ Name, Glyph string }{
		{"pulse", Pulse},
		{"pulse-open", PulseOpen},
		{"pulse-close", PulseClose},
		{"db", DB},
		{"am", AM},
		{"cluster", Cluster},
	}
}
