// Package maintenance gates polling around scheduled quiet windows.
//
// Crypto venues trade around the clock, but exchanges schedule
// maintenance and operators schedule quiet hours. A window is either a
// weekly UTC interval like "Sat 02:00-04:00" or an absolute one like
// "2026-03-14T02:00:00Z/2026-03-14T06:00:00Z"; while one is active,
// polling pauses. The default configuration has no windows.
package maintenance

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	minutesPerDay  = 24 * 60
	minutesPerWeek = 7 * minutesPerDay
)

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// Window is a single quiet interval. Weekly windows repeat every week in
// UTC; an end clock at or before the start clock rolls into the next day.
type Window struct {
	label  string
	weekly bool

	startMin int // minute of week, Sunday 00:00 = 0
	endMin   int

	startAbs time.Time
	endAbs   time.Time
}

// String returns the window as it appeared in the configuration.
func (w Window) String() string { return w.label }

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if !w.weekly {
		return !t.Before(w.startAbs) && t.Before(w.endAbs)
	}
	m := minuteOfWeek(t)
	if w.startMin <= w.endMin {
		return m >= w.startMin && m < w.endMin
	}
	// Wraps across the week boundary.
	return m >= w.startMin || m < w.endMin
}

func minuteOfWeek(t time.Time) int {
	u := t.UTC()
	return int(u.Weekday())*minutesPerDay + u.Hour()*60 + u.Minute()
}

// ParseWindows parses a comma-separated window list. An empty string
// yields no windows.
func ParseWindows(spec string) ([]Window, error) {
	var windows []Window
	for _, token := range strings.Split(spec, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		w, err := parseWindow(token)
		if err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	return windows, nil
}

func parseWindow(token string) (Window, error) {
	if strings.Contains(token, "/") {
		return parseAbsolute(token)
	}
	return parseWeekly(token)
}

func parseAbsolute(token string) (Window, error) {
	from, to, ok := strings.Cut(token, "/")
	if !ok {
		return Window{}, fmt.Errorf("maintenance: bad window %q", token)
	}
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(from))
	if err != nil {
		return Window{}, fmt.Errorf("maintenance: bad window %q: %w", token, err)
	}
	end, err := time.Parse(time.RFC3339, strings.TrimSpace(to))
	if err != nil {
		return Window{}, fmt.Errorf("maintenance: bad window %q: %w", token, err)
	}
	if !end.After(start) {
		return Window{}, fmt.Errorf("maintenance: bad window %q: end before start", token)
	}
	return Window{label: token, startAbs: start, endAbs: end}, nil
}

func parseWeekly(token string) (Window, error) {
	day, clocks, ok := strings.Cut(token, " ")
	if !ok {
		return Window{}, fmt.Errorf("maintenance: bad window %q: want \"Day HH:MM-HH:MM\"", token)
	}
	wd, ok := weekdays[strings.ToLower(strings.TrimSpace(day))]
	if !ok {
		return Window{}, fmt.Errorf("maintenance: bad window %q: unknown day %q", token, day)
	}
	from, to, ok := strings.Cut(strings.TrimSpace(clocks), "-")
	if !ok {
		return Window{}, fmt.Errorf("maintenance: bad window %q: want \"Day HH:MM-HH:MM\"", token)
	}
	startClock, err := parseClock(from)
	if err != nil {
		return Window{}, fmt.Errorf("maintenance: bad window %q: %w", token, err)
	}
	endClock, err := parseClock(to)
	if err != nil {
		return Window{}, fmt.Errorf("maintenance: bad window %q: %w", token, err)
	}

	base := int(wd) * minutesPerDay
	start := base + startClock
	end := base + endClock
	if endClock <= startClock {
		end += minutesPerDay
	}
	return Window{
		label:    token,
		weekly:   true,
		startMin: start % minutesPerWeek,
		endMin:   end % minutesPerWeek,
	}, nil
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	return h*60 + m, nil
}

// Checker answers whether polling should run at a given instant.
type Checker struct {
	windows []Window
}

// NewChecker parses the configured window list.
func NewChecker(spec string) (*Checker, error) {
	windows, err := ParseWindows(spec)
	if err != nil {
		return nil, err
	}
	return &Checker{windows: windows}, nil
}

// Open reports whether t is outside every quiet window.
func (c *Checker) Open(t time.Time) bool {
	_, active := c.Active(t)
	return !active
}

// Active returns the window containing t, if any.
func (c *Checker) Active(t time.Time) (Window, bool) {
	for _, w := range c.windows {
		if w.Contains(t) {
			return w, true
		}
	}
	return Window{}, false
}

// Until returns how long from t until polling may resume, zero when
// already open. Weekly windows resolve at minute granularity.
func (c *Checker) Until(t time.Time) time.Duration {
	w, active := c.Active(t)
	if !active {
		return 0
	}
	if !w.weekly {
		return w.endAbs.Sub(t)
	}
	delta := w.endMin - minuteOfWeek(t)
	if delta <= 0 {
		delta += minutesPerWeek
	}
	return time.Duration(delta) * time.Minute
}
