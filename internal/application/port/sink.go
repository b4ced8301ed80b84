package port

import "time"

type Sink interface {
	// Live line (overwrites the current line)
	WriteLive(line string) error
	// Snapshot line (keeps history)
	WriteSnapshot(ts time.Time, line string) error
	// Normal newline (for logs)
	NewLine() error
}
