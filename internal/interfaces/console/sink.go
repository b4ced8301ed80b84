package console

import (
	"fmt"
	"io"
	"os"
	"time"

	"livefeed/internal/application/port"
)

type Sink struct {
	w io.Writer
}

func NewSink() port.Sink { return &Sink{w: os.Stdout} }

// NewSinkTo writes to w instead of stdout
func NewSinkTo(w io.Writer) port.Sink { return &Sink{w: w} }

func (s *Sink) WriteLive(line string) error {
	_, err := fmt.Fprint(s.w, line) // no newline
	return err
}

// snapshot lines are framed by blank lines; the live line is redrawn on the next change
func (s *Sink) WriteSnapshot(ts time.Time, line string) error {
	_, err := fmt.Fprintf(s.w, "\n%s %s\n\n", ts.Format("2006-01-02 15:04:05"), line)
	return err
}

func (s *Sink) NewLine() error {
	_, err := fmt.Fprint(s.w, "\n")
	return err
}
