package distributor

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/driplinehq/dripline/internal/selector"
)

// Window bounds when deliveries may go out: an hour range on a set of
// allowed weekdays, evaluated in Location.
type Window struct {
	StartHour int
	EndHour   int // exclusive: sends land in [StartHour:00, EndHour:00)
	Weekdays  []time.Weekday
	Location  *time.Location
	Jitter    time.Duration // +/- randomization per item; 0 disables
	PerHour   int           // fixed messages-per-hour rate; 0 spreads evenly
}

// Validate checks the window is usable.
func (w Window) Validate() error {
	if w.StartHour < 0 || w.EndHour > 24 || w.StartHour >= w.EndHour {
		return fmt.Errorf("invalid window hours [%d, %d)", w.StartHour, w.EndHour)
	}
	if len(w.Weekdays) == 0 {
		return fmt.Errorf("window has no allowed weekdays")
	}
	return nil
}

func (w Window) allows(d time.Weekday) bool {
	for _, wd := range w.Weekdays {
		if wd == d {
			return true
		}
	}
	return false
}

// nextOpen returns the bounds of the next window occurrence at or after
// now: today's remainder if the window is still open, otherwise the next
// allowed day. Rolling forward never re-queries eligibility; the batch
// keeps its recipients.
func (w Window) nextOpen(now time.Time) (start, end time.Time) {
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	day := now
	for i := 0; i < 8; i++ {
		dayStart := time.Date(day.Year(), day.Month(), day.Day(), w.StartHour, 0, 0, 0, loc)
		dayEnd := time.Date(day.Year(), day.Month(), day.Day(), w.EndHour, 0, 0, 0, loc)
		if w.allows(day.Weekday()) && now.Before(dayEnd) {
			if now.After(dayStart) {
				return now, dayEnd
			}
			return dayStart, dayEnd
		}
		day = day.AddDate(0, 0, 1)
	}
	// Unreachable with a validated window; a week always contains an
	// allowed day.
	return now, now
}

// ScheduledItem pairs a recipient with its assigned send time.
type ScheduledItem struct {
	Recipient selector.Recipient
	At        time.Time
}

// Distribute assigns each recipient a send time inside the window,
// highest priority first. Times are strictly increasing; jitter is
// clamped so no item escapes the window or reorders the batch.
func Distribute(recipients []selector.Recipient, w Window, now time.Time, rng *rand.Rand) ([]ScheduledItem, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, nil
	}

	ordered := make([]selector.Recipient, len(recipients))
	copy(ordered, recipients)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].PriorityScore > ordered[j].PriorityScore
	})

	start, end := w.nextOpen(now)
	var interval time.Duration
	if w.PerHour > 0 {
		interval = time.Hour / time.Duration(w.PerHour)
	} else {
		interval = end.Sub(start) / time.Duration(len(ordered))
	}

	out := make([]ScheduledItem, 0, len(ordered))
	slot := start
	var prev time.Time
	for _, r := range ordered {
		// A fixed rate can overrun the day's window; overflow rolls into
		// the next occurrence.
		if !slot.Before(end) {
			start, end = w.nextOpen(end.Add(time.Minute))
			slot = start
		}

		at := slot
		if w.Jitter > 0 {
			j := time.Duration(rng.Int63n(int64(2*w.Jitter))) - w.Jitter
			at = at.Add(j)
		}
		if at.Before(start) {
			at = start
		}
		if !at.Before(end) {
			at = end.Add(-time.Second)
		}
		if !prev.IsZero() && !at.After(prev) {
			at = prev.Add(time.Millisecond)
		}

		out = append(out, ScheduledItem{Recipient: r, At: at})
		prev = at
		slot = slot.Add(interval)
	}
	return out, nil
}
