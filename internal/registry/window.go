package registry

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // operating windows name IANA zones
)

// OperatingWindow describes when a provider can be contacted.
type OperatingWindow struct {
	Always   bool        `json:"always" yaml:"always"`
	Timezone string      `json:"timezone,omitempty" yaml:"timezone"`
	Ranges   []TimeRange `json:"ranges,omitempty" yaml:"ranges"`
}

// TimeRange is a recurring daily range. Days holds three-letter weekday
// names; empty means every day. An End before Start runs past midnight.
type TimeRange struct {
	Days  []string `json:"days,omitempty" yaml:"days"`
	Start string   `json:"start" yaml:"start"`
	End   string   `json:"end" yaml:"end"`
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// Validate checks the timezone and every range.
func (w OperatingWindow) Validate() error {
	if w.Timezone != "" {
		if _, err := time.LoadLocation(w.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", w.Timezone, err)
		}
	}
	for i, r := range w.Ranges {
		if _, err := parseClock(r.Start); err != nil {
			return fmt.Errorf("range %d: %w", i, err)
		}
		if _, err := parseClock(r.End); err != nil {
			return fmt.Errorf("range %d: %w", i, err)
		}
		for _, d := range r.Days {
			if _, ok := weekdays[strings.ToLower(d)]; !ok {
				return fmt.Errorf("range %d: unknown day %q", i, d)
			}
		}
	}
	return nil
}

// Allows reports whether the window is open at t.
func (w OperatingWindow) Allows(t time.Time) bool {
	if w.Always {
		return true
	}
	loc := time.UTC
	if w.Timezone != "" {
		if l, err := time.LoadLocation(w.Timezone); err == nil {
			loc = l
		}
	}
	local := t.In(loc)
	minute := local.Hour()*60 + local.Minute()
	today := local.Weekday()
	yesterday := (today + 6) % 7

	for _, r := range w.Ranges {
		start, err1 := parseClock(r.Start)
		end, err2 := parseClock(r.End)
		if err1 != nil || err2 != nil {
			continue
		}
		if start <= end {
			if r.onDay(today) && minute >= start && minute < end {
				return true
			}
			continue
		}
		if r.onDay(today) && minute >= start {
			return true
		}
		if r.onDay(yesterday) && minute < end {
			return true
		}
	}
	return false
}

func (r TimeRange) onDay(d time.Weekday) bool {
	if len(r.Days) == 0 {
		return true
	}
	for _, name := range r.Days {
		if wd, ok := weekdays[strings.ToLower(name)]; ok && wd == d {
			return true
		}
	}
	return false
}

// parseClock turns "HH:MM" into minutes after midnight. "24:00" is allowed
// as an end of day.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	if h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return h*60 + m, nil
}
