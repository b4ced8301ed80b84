package marketclock

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/scmhub/calendar"
)

// DefaultMIC is the NYSE calendar, which also covers the US options and
// index sessions.
const DefaultMIC = "xnys"

// Clock answers whether an exchange is in its regular session
type Clock struct {
	mic string
	cal *calendar.Calendar
	loc *time.Location
}

// New loads the calendar for an ISO 10383 MIC. Unknown MICs fall back to a
// plain Mon-Fri 09:30-16:00 New York session.
func New(mic string) *Clock {
	mic = strings.ToLower(strings.TrimSpace(mic))
	if mic == "" {
		mic = DefaultMIC
	}

	if cal := calendar.GetCalendar(mic); cal != nil {
		return &Clock{mic: mic, cal: cal, loc: cal.Loc}
	}

	log.Warn().Str("mic", mic).Msg("no exchange calendar, using Mon-Fri 09:30-16:00 New York")
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return &Clock{mic: mic, loc: loc}
}

// MIC returns the exchange code the clock was built for
func (c *Clock) MIC() string { return c.mic }

// IsOpen reports whether t falls inside a regular trading session
func (c *Clock) IsOpen(t time.Time) bool {
	if c.loc != nil {
		t = t.In(c.loc)
	}
	if c.cal != nil {
		return c.cal.IsOpen(t)
	}

	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	mins := t.Hour()*60 + t.Minute()
	return mins >= 9*60+30 && mins < 16*60
}
