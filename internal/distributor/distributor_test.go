package distributor

import (
	"math/rand"
	"testing"
	"time"

	"github.com/driplinehq/dripline/internal/selector"
)

func weekdaysAll() []time.Weekday {
	return []time.Weekday{
		time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
		time.Thursday, time.Friday, time.Saturday,
	}
}

func recipients(n int) []selector.Recipient {
	out := make([]selector.Recipient, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, selector.Recipient{
			ID:            string(rune('a' + i)),
			TenantID:      "t1",
			PriorityScore: float64(n - i),
		})
	}
	return out
}

func TestWindowValidate(t *testing.T) {
	tests := []struct {
		name    string
		window  Window
		wantErr bool
	}{
		{
			name:   "valid window",
			window: Window{StartHour: 9, EndHour: 18, Weekdays: weekdaysAll()},
		},
		{
			name:    "start after end",
			window:  Window{StartHour: 18, EndHour: 9, Weekdays: weekdaysAll()},
			wantErr: true,
		},
		{
			name:    "start equals end",
			window:  Window{StartHour: 9, EndHour: 9, Weekdays: weekdaysAll()},
			wantErr: true,
		},
		{
			name:    "negative start",
			window:  Window{StartHour: -1, EndHour: 9, Weekdays: weekdaysAll()},
			wantErr: true,
		},
		{
			name:    "end past midnight",
			window:  Window{StartHour: 9, EndHour: 25, Weekdays: weekdaysAll()},
			wantErr: true,
		},
		{
			name:    "no weekdays",
			window:  Window{StartHour: 9, EndHour: 18},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.window.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDistributeEvenSpread(t *testing.T) {
	// Three recipients into a 10:00-12:00 window, no jitter: the two-hour
	// span splits into 40-minute slots at 10:00, 10:40 and 11:20.
	w := Window{StartHour: 10, EndHour: 12, Weekdays: weekdaysAll(), Location: time.UTC}
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC) // Monday, before the window opens

	out, err := Distribute(recipients(3), w, now, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Distribute() error = %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("Distribute() returned %d items, want 3", len(out))
	}

	want := []time.Time{
		time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 2, 10, 40, 0, 0, time.UTC),
		time.Date(2026, 3, 2, 11, 20, 0, 0, time.UTC),
	}
	for i, s := range out {
		if !s.At.Equal(want[i]) {
			t.Errorf("item %d scheduled at %v, want %v", i, s.At, want[i])
		}
	}
}

func TestDistributePriorityOrder(t *testing.T) {
	w := Window{StartHour: 10, EndHour: 12, Weekdays: weekdaysAll(), Location: time.UTC}
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	in := []selector.Recipient{
		{ID: "low", PriorityScore: 1},
		{ID: "high", PriorityScore: 10},
		{ID: "mid", PriorityScore: 5},
	}
	out, err := Distribute(in, w, now, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Distribute() error = %v", err)
	}

	wantOrder := []string{"high", "mid", "low"}
	for i, s := range out {
		if s.Recipient.ID != wantOrder[i] {
			t.Errorf("slot %d got recipient %q, want %q", i, s.Recipient.ID, wantOrder[i])
		}
	}
}

func TestDistributeJitterStaysInWindow(t *testing.T) {
	w := Window{
		StartHour: 10,
		EndHour:   11,
		Weekdays:  weekdaysAll(),
		Location:  time.UTC,
		Jitter:    10 * time.Minute,
	}
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	rng := rand.New(rand.NewSource(42))

	out, err := Distribute(recipients(20), w, now, rng)
	if err != nil {
		t.Fatalf("Distribute() error = %v", err)
	}

	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	var prev time.Time
	for i, s := range out {
		if s.At.Before(start) || !s.At.Before(end) {
			t.Errorf("item %d at %v escaped window [%v, %v)", i, s.At, start, end)
		}
		if !prev.IsZero() && !s.At.After(prev) {
			t.Errorf("item %d at %v not after previous %v", i, s.At, prev)
		}
		prev = s.At
	}
}

func TestDistributeMidWindowStart(t *testing.T) {
	// The window is already open: remaining time is spread, nothing lands
	// in the past.
	w := Window{StartHour: 10, EndHour: 12, Weekdays: weekdaysAll(), Location: time.UTC}
	now := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)

	out, err := Distribute(recipients(2), w, now, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Distribute() error = %v", err)
	}
	for i, s := range out {
		if s.At.Before(now) {
			t.Errorf("item %d at %v scheduled before now %v", i, s.At, now)
		}
	}
}

func TestDistributeRollsToNextAllowedDay(t *testing.T) {
	// Friday evening, window closed, weekends excluded: everything lands on
	// Monday.
	w := Window{
		StartHour: 9,
		EndHour:   18,
		Weekdays:  []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		Location:  time.UTC,
	}
	now := time.Date(2026, 3, 6, 19, 0, 0, 0, time.UTC) // Friday 19:00

	out, err := Distribute(recipients(2), w, now, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Distribute() error = %v", err)
	}
	for i, s := range out {
		if s.At.Weekday() != time.Monday {
			t.Errorf("item %d landed on %v, want Monday", i, s.At.Weekday())
		}
		if s.At.Hour() < 9 || s.At.Hour() >= 18 {
			t.Errorf("item %d at hour %d outside window", i, s.At.Hour())
		}
	}
}

func TestDistributePerHourOverflow(t *testing.T) {
	// 2/hour into a one-hour window with 4 recipients: the last two roll
	// into the next day's occurrence.
	w := Window{
		StartHour: 10,
		EndHour:   11,
		Weekdays:  weekdaysAll(),
		Location:  time.UTC,
		PerHour:   2,
	}
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	out, err := Distribute(recipients(4), w, now, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Distribute() error = %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("Distribute() returned %d items, want 4", len(out))
	}

	day1 := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	for i, s := range out[:2] {
		if s.At.YearDay() != day1.YearDay() {
			t.Errorf("item %d on day %d, want same day", i, s.At.YearDay())
		}
	}
	for i, s := range out[2:] {
		if s.At.YearDay() != day1.YearDay()+1 {
			t.Errorf("overflow item %d on day %d, want next day", i+2, s.At.YearDay())
		}
	}
}

func TestDistributeEmpty(t *testing.T) {
	w := Window{StartHour: 10, EndHour: 12, Weekdays: weekdaysAll(), Location: time.UTC}
	out, err := Distribute(nil, w, time.Now(), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Distribute() error = %v", err)
	}
	if out != nil {
		t.Errorf("Distribute() = %v, want nil for empty input", out)
	}
}

func TestDistributeInvalidWindow(t *testing.T) {
	w := Window{StartHour: 12, EndHour: 10, Weekdays: weekdaysAll()}
	if _, err := Distribute(recipients(1), w, time.Now(), rand.New(rand.NewSource(1))); err == nil {
		t.Error("Distribute() expected error for invalid window")
	}
}
