// Package schedule resolves a persona's weekly availability schedule against
// wall-clock time. Resolution is pure: the same schedule and timestamp always
// produce the same availability, and nothing is cached.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Block is one contiguous availability window inside a day. Start and End are
// "HH:MM" local times; the window is half-open [Start, End), so a timestamp
// equal to End belongs to the block that starts there, not this one.
type Block struct {
	Start    string `json:"start" yaml:"start"`
	End      string `json:"end" yaml:"end"`
	Status   Status `json:"status" yaml:"status"`
	Activity string `json:"activity,omitempty" yaml:"activity,omitempty"`
}

// Weekly maps lowercase weekday names ("monday".."sunday") to ordered blocks.
type Weekly map[string][]Block

// Availability is the resolved status plus the activity label of the matched
// block, if any.
type Availability struct {
	Status   Status
	Activity string
}

var Offline = Availability{Status: StatusOffline}

// Resolve returns the availability for now's local weekday and time of day.
// No schedule, no blocks for the day, or no matching block all resolve to
// offline.
func Resolve(w Weekly, now time.Time) Availability {
	if len(w) == 0 {
		return Offline
	}
	blocks, ok := w[DayKey(now.Weekday())]
	if !ok {
		return Offline
	}
	cur := now.Hour()*60 + now.Minute()
	for _, b := range blocks {
		start, err := parseClock(b.Start)
		if err != nil {
			continue
		}
		end, err := parseClock(b.End)
		if err != nil {
			continue
		}
		if cur >= start && cur < end {
			status := b.Status
			if status == "" {
				status = StatusOffline
			}
			return Availability{Status: status, Activity: b.Activity}
		}
	}
	return Offline
}

// DayKey converts a time.Weekday into the lowercase key used by Weekly.
func DayKey(d time.Weekday) string {
	return strings.ToLower(d.String())
}

// parseClock converts "HH:MM" into minutes since midnight. "24:00" is
// accepted as an end-of-day bound.
func parseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	if h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("clock time %q out of range", s)
	}
	return h*60 + m, nil
}
