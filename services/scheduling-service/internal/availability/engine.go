package availability

import (
	"sort"
	"time"

	"github.com/wrenchworks/shopops/services/scheduling-service/internal/model"
)

// Negative (non-error) outcome reasons.
const (
	ReasonBlocked = "blocked"
	ReasonClosed  = "closed"
	ReasonPast    = "past"
)

// Interval is a booked window in minutes of day, half-open [Start, End).
type Interval struct {
	StartMinute int
	EndMinute   int
}

type Slot struct {
	StartMinute int
	EndMinute   int
	Available   bool
	BookedCount int
}

type Result struct {
	Available           bool
	Reason              string
	Capacity            int
	SlotDurationMinutes int
	OpenMinute          int
	CloseMinute         int
	Slots               []Slot
}

// Compute derives the bookable slot grid for one shop/date. It is pure: the
// caller supplies a read-consistent snapshot of config, the blocked flag and
// the confirmed bookings for that date. Slot starts on the current day that
// are already in the past are excluded from the grid entirely.
func Compute(cfg model.ScheduleConfig, blocked bool, bookings []Interval, date time.Time, durationMinutes int, now time.Time) Result {
	res := Result{
		Capacity:            cfg.Capacity,
		SlotDurationMinutes: cfg.SlotDurationMinutes,
	}

	day := model.DateOnly(date)
	today := model.DateOnly(now)
	if day.Before(today) {
		res.Reason = ReasonPast
		return res
	}
	if blocked {
		res.Reason = ReasonBlocked
		return res
	}

	hours := cfg.WeeklyHours[int(day.Weekday())]
	if !hours.IsOpen {
		res.Reason = ReasonClosed
		return res
	}
	res.OpenMinute = hours.OpenMinute
	res.CloseMinute = hours.CloseMinute

	if durationMinutes <= 0 {
		durationMinutes = cfg.SlotDurationMinutes
	}

	nowMinute := -1
	if day.Equal(today) {
		nowMinute = model.MinuteOfDay(now)
	}

	for start := hours.OpenMinute; start+durationMinutes <= hours.CloseMinute; start += cfg.SlotDurationMinutes {
		if start < nowMinute {
			continue
		}
		end := start + durationMinutes
		slot := Slot{
			StartMinute: start,
			EndMinute:   end,
			BookedCount: countOverlapping(bookings, start, end),
		}
		slot.Available = MaxConcurrent(bookings, start, end) < cfg.Capacity
		if slot.Available {
			res.Available = true
		}
		res.Slots = append(res.Slots, slot)
	}
	return res
}

func countOverlapping(bookings []Interval, start, end int) int {
	n := 0
	for _, b := range bookings {
		if overlaps(b, start, end) {
			n++
		}
	}
	return n
}

func overlaps(b Interval, start, end int) bool {
	// Half-open intervals: [start,end) overlaps [b.Start,b.End) iff start < b.End && b.Start < end.
	return start < b.EndMinute && b.StartMinute < end
}

// MaxConcurrent returns the peak number of bookings active at any single
// instant inside [start, end). A window whose average load is below capacity
// can still peak at capacity, so availability checks must use the peak.
func MaxConcurrent(bookings []Interval, start, end int) int {
	type event struct {
		minute int
		delta  int
	}
	var events []event
	for _, b := range bookings {
		if !overlaps(b, start, end) {
			continue
		}
		s, e := b.StartMinute, b.EndMinute
		if s < start {
			s = start
		}
		if e > end {
			e = end
		}
		events = append(events, event{s, +1}, event{e, -1})
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].minute != events[j].minute {
			return events[i].minute < events[j].minute
		}
		// Ends sort before starts so back-to-back bookings do not stack.
		return events[i].delta < events[j].delta
	})

	cur, peak := 0, 0
	for _, ev := range events {
		cur += ev.delta
		if cur > peak {
			peak = cur
		}
	}
	return peak
}

// FitsWithinCapacity reports whether one more booking over [start, end) would
// keep the peak concurrent load within capacity. It is the same predicate the
// engine uses for slot availability, shared with the booking write path.
func FitsWithinCapacity(existing []Interval, start, end, capacity int) bool {
	return MaxConcurrent(existing, start, end) < capacity
}
