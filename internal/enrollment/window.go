package enrollment

import (
	"fmt"
	"sync"
	"time"

	"github.com/opencode-ai/cadence/internal/models"
)

var weekdays = models.Weekdays{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}

// Window is a sequence's sending window in its own timezone.
type Window struct {
	Days     models.Weekdays
	Hours    models.SendingHours
	Location *time.Location
}

// Contains reports whether t falls on a sending day within sending hours.
func (w Window) Contains(t time.Time) bool {
	local := t.In(w.Location)
	if !w.sendingDay(local.Weekday()) {
		return false
	}
	if w.Hours.IsZero() {
		return true
	}
	h := local.Hour()
	return h >= w.Hours.Start && h < w.Hours.End
}

// Next returns t when it is inside the window, otherwise the start of the
// next window.
func (w Window) Next(t time.Time) time.Time {
	local := t.In(w.Location)
	for i := 0; i <= 7; i++ {
		day := time.Date(local.Year(), local.Month(), local.Day()+i, 0, 0, 0, 0, w.Location)
		if !w.sendingDay(day.Weekday()) {
			continue
		}
		start, end := w.bounds(day)
		if local.Before(start) {
			return start.UTC()
		}
		if local.Before(end) {
			return t
		}
	}
	// Unreachable with at least one sending day.
	return t
}

// RollToSendingDay moves an instant that falls on a non-sending day to the
// start of the next sending day. Instants on sending days are unchanged.
// Without configured sending days, Saturday and Sunday are skipped.
func (w Window) RollToSendingDay(t time.Time) time.Time {
	days := w.Days
	if len(days) == 0 {
		days = weekdays
	}
	local := t.In(w.Location)
	if days.Contains(local.Weekday()) {
		return t
	}
	for i := 1; i <= 7; i++ {
		day := time.Date(local.Year(), local.Month(), local.Day()+i, 0, 0, 0, 0, w.Location)
		if days.Contains(day.Weekday()) {
			start, _ := w.bounds(day)
			return start.UTC()
		}
	}
	return t
}

func (w Window) sendingDay(d time.Weekday) bool {
	return len(w.Days) == 0 || w.Days.Contains(d)
}

func (w Window) bounds(day time.Time) (time.Time, time.Time) {
	if w.Hours.IsZero() {
		return day, day.AddDate(0, 0, 1)
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), w.Hours.Start, 0, 0, 0, w.Location)
	end := time.Date(day.Year(), day.Month(), day.Day(), w.Hours.End, 0, 0, 0, w.Location)
	return start, end
}

// locations caches loaded timezones.
type locations struct {
	mu    sync.Mutex
	cache map[string]*time.Location
}

func (l *locations) load(name string) (*time.Location, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if loc, ok := l.cache[name]; ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	if l.cache == nil {
		l.cache = make(map[string]*time.Location)
	}
	l.cache[name] = loc
	return loc, nil
}

// window builds the sending window for a sequence, falling back to the
// default timezone.
func (e *Engine) window(settings models.Settings) (Window, error) {
	name := settings.Timezone
	if name == "" {
		name = e.cfg.DefaultTimezone
	}
	if name == "" {
		name = "UTC"
	}
	loc, err := e.locations.load(name)
	if err != nil {
		return Window{}, err
	}
	return Window{Days: settings.SendingDays, Hours: settings.SendingHours, Location: loc}, nil
}
