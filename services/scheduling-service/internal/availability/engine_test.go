package availability

import (
	"testing"
	"time"

	"github.com/wrenchworks/shopops/services/scheduling-service/internal/model"
)

func weekdayOpenConfig(capacity, slotMinutes, open, close int) model.ScheduleConfig {
	cfg := model.ScheduleConfig{
		ShopID:              "shop-1",
		Capacity:            capacity,
		SlotDurationMinutes: slotMinutes,
	}
	for wd := range cfg.WeeklyHours {
		cfg.WeeklyHours[wd] = model.DayHours{IsOpen: true, OpenMinute: open, CloseMinute: close}
	}
	return cfg
}

// 2026-01-28 is a Wednesday; "now" well before it keeps every slot in the future.
var (
	testDate = time.Date(2026, 1, 28, 0, 0, 0, 0, time.UTC)
	testNow  = time.Date(2026, 1, 27, 12, 0, 0, 0, time.UTC)
)

func TestCompute_Grid(t *testing.T) {
	cfg := weekdayOpenConfig(2, 30, 9*60, 12*60)

	res := Compute(cfg, false, nil, testDate, 0, testNow)
	if !res.Available {
		t.Fatal("expected date to be available")
	}
	if res.Reason != "" {
		t.Fatalf("expected no reason, got %q", res.Reason)
	}
	// 09:00..11:30 inclusive on a 30-minute grid.
	if len(res.Slots) != 6 {
		t.Fatalf("expected 6 slots, got %d", len(res.Slots))
	}
	if res.Slots[0].StartMinute != 9*60 {
		t.Fatalf("expected first slot 540, got %d", res.Slots[0].StartMinute)
	}
	last := res.Slots[len(res.Slots)-1]
	if last.StartMinute != 11*60+30 || last.EndMinute != 12*60 {
		t.Fatalf("expected last slot [690,720), got [%d,%d)", last.StartMinute, last.EndMinute)
	}
}

func TestCompute_CapacityTwo(t *testing.T) {
	cfg := weekdayOpenConfig(2, 30, 9*60, 12*60)

	// Two bookings at 09:00 fill capacity; one at 10:00 leaves room.
	booked := []Interval{
		{StartMinute: 540, EndMinute: 570},
		{StartMinute: 540, EndMinute: 570},
		{StartMinute: 600, EndMinute: 630},
	}
	res := Compute(cfg, false, booked, testDate, 0, testNow)

	bySlot := map[int]Slot{}
	for _, s := range res.Slots {
		bySlot[s.StartMinute] = s
	}
	if bySlot[540].Available {
		t.Fatal("09:00 is at capacity, expected unavailable")
	}
	if bySlot[540].BookedCount != 2 {
		t.Fatalf("expected 2 bookings at 09:00, got %d", bySlot[540].BookedCount)
	}
	if !bySlot[600].Available {
		t.Fatal("10:00 has one of two bays booked, expected available")
	}
	if !bySlot[570].Available {
		t.Fatal("09:30 has no bookings, expected available")
	}
}

func TestCompute_LongDurationOnShortGrid(t *testing.T) {
	cfg := weekdayOpenConfig(1, 30, 9*60, 12*60)

	// 90-minute service on a 30-minute grid: starts still step by 30, but a
	// start only qualifies when start+90 fits before close. Last start 10:30.
	res := Compute(cfg, false, nil, testDate, 90, testNow)
	if len(res.Slots) != 4 {
		t.Fatalf("expected 4 slots, got %d", len(res.Slots))
	}
	last := res.Slots[len(res.Slots)-1]
	if last.StartMinute != 10*60+30 {
		t.Fatalf("expected last start 630, got %d", last.StartMinute)
	}
	if last.EndMinute != 12*60 {
		t.Fatalf("expected last end 720, got %d", last.EndMinute)
	}
}

func TestCompute_BlockedDate(t *testing.T) {
	cfg := weekdayOpenConfig(2, 30, 9*60, 17*60)

	res := Compute(cfg, true, nil, testDate, 0, testNow)
	if res.Available {
		t.Fatal("blocked date must not be available")
	}
	if res.Reason != ReasonBlocked {
		t.Fatalf("expected reason %q, got %q", ReasonBlocked, res.Reason)
	}
	if len(res.Slots) != 0 {
		t.Fatalf("expected no slots, got %d", len(res.Slots))
	}
}

func TestCompute_ClosedWeekday(t *testing.T) {
	cfg := weekdayOpenConfig(2, 30, 9*60, 17*60)
	cfg.WeeklyHours[int(testDate.Weekday())] = model.DayHours{IsOpen: false}

	res := Compute(cfg, false, nil, testDate, 0, testNow)
	if res.Available {
		t.Fatal("closed weekday must not be available")
	}
	if res.Reason != ReasonClosed {
		t.Fatalf("expected reason %q, got %q", ReasonClosed, res.Reason)
	}
}

func TestCompute_PastDate(t *testing.T) {
	cfg := weekdayOpenConfig(2, 30, 9*60, 17*60)

	now := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	res := Compute(cfg, false, nil, testDate, 0, now)
	if res.Available {
		t.Fatal("past date must not be available")
	}
	if res.Reason != ReasonPast {
		t.Fatalf("expected reason %q, got %q", ReasonPast, res.Reason)
	}
}

func TestCompute_SkipsElapsedSlotsToday(t *testing.T) {
	cfg := weekdayOpenConfig(1, 30, 9*60, 12*60)

	// 10:10 on the requested date: 09:00, 09:30 and 10:00 have already started.
	now := time.Date(2026, 1, 28, 10, 10, 0, 0, time.UTC)
	res := Compute(cfg, false, nil, testDate, 0, now)
	if len(res.Slots) != 3 {
		t.Fatalf("expected 3 remaining slots, got %d", len(res.Slots))
	}
	if res.Slots[0].StartMinute != 10*60+30 {
		t.Fatalf("expected first remaining slot 630, got %d", res.Slots[0].StartMinute)
	}
}

func TestMaxConcurrent_StaggeredPeak(t *testing.T) {
	// Two staggered 60-minute bookings both cross 09:30-10:00, so the peak
	// inside 09:00-10:00 is 2 even though neither covers the whole window.
	booked := []Interval{
		{StartMinute: 510, EndMinute: 600}, // 08:30-10:00
		{StartMinute: 570, EndMinute: 660}, // 09:30-11:00
	}
	if got := MaxConcurrent(booked, 540, 600); got != 2 {
		t.Fatalf("expected peak 2, got %d", got)
	}
}

func TestMaxConcurrent_BackToBackDoesNotStack(t *testing.T) {
	booked := []Interval{
		{StartMinute: 540, EndMinute: 570},
		{StartMinute: 570, EndMinute: 600},
	}
	if got := MaxConcurrent(booked, 540, 600); got != 1 {
		t.Fatalf("expected peak 1 for back-to-back bookings, got %d", got)
	}
}

func TestFitsWithinCapacity(t *testing.T) {
	existing := []Interval{
		{StartMinute: 540, EndMinute: 570},
	}
	if !FitsWithinCapacity(existing, 540, 570, 2) {
		t.Fatal("one booking under capacity 2 should fit another")
	}
	if FitsWithinCapacity(existing, 540, 570, 1) {
		t.Fatal("one booking at capacity 1 should not fit another")
	}
	// Non-overlapping existing booking never counts against the window.
	if !FitsWithinCapacity(existing, 600, 630, 1) {
		t.Fatal("disjoint booking should not block the window")
	}
}
