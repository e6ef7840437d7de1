package model

import (
	"fmt"
	"time"
)

const (
	BookingStatusConfirmed = "confirmed"
	BookingStatusCancelled = "cancelled"
)

// MinutesPerDay bounds open/close times; both are minutes since midnight.
const MinutesPerDay = 24 * 60

// SlotDurations is the set of slot grid sizes a shop may configure.
var SlotDurations = []int{15, 30, 45, 60, 90, 120}

const (
	MinCapacity = 1
	MaxCapacity = 20
)

// DayHours is one weekday entry of a shop's weekly schedule.
type DayHours struct {
	IsOpen      bool
	OpenMinute  int
	CloseMinute int
}

// ScheduleConfig is a shop's full scheduling configuration. Writes are
// full-replace: capacity, slot duration and all seven weekday entries
// change together or not at all.
type ScheduleConfig struct {
	ShopID              string
	Capacity            int
	SlotDurationMinutes int
	WeeklyHours         [7]DayHours // indexed by time.Weekday (0=Sunday)
}

// DefaultScheduleConfig is what a shop gets before an admin configures
// anything: single bay, 30-minute grid, closed every day.
func DefaultScheduleConfig(shopID string) ScheduleConfig {
	return ScheduleConfig{
		ShopID:              shopID,
		Capacity:            1,
		SlotDurationMinutes: 30,
	}
}

// Validate checks the whole config before any write. A single violation
// rejects the entire replacement.
func (c ScheduleConfig) Validate() error {
	if c.Capacity < MinCapacity || c.Capacity > MaxCapacity {
		return fmt.Errorf("capacity must be between %d and %d", MinCapacity, MaxCapacity)
	}
	if !validSlotDuration(c.SlotDurationMinutes) {
		return fmt.Errorf("slot_duration_minutes must be one of %v", SlotDurations)
	}
	for wd, day := range c.WeeklyHours {
		if !day.IsOpen {
			continue
		}
		if day.OpenMinute < 0 || day.CloseMinute > MinutesPerDay {
			return fmt.Errorf("weekday %d: hours out of range", wd)
		}
		if day.OpenMinute >= day.CloseMinute {
			return fmt.Errorf("weekday %d: open_minute must be before close_minute", wd)
		}
	}
	return nil
}

func validSlotDuration(minutes int) bool {
	for _, d := range SlotDurations {
		if d == minutes {
			return true
		}
	}
	return false
}

// BlockedDate marks one calendar date fully closed for a shop regardless
// of its weekly hours.
type BlockedDate struct {
	ID        string
	ShopID    string
	Date      time.Time // date only, midnight UTC
	Reason    string
	CreatedAt time.Time
}

type Booking struct {
	ID              string
	ShopID          string
	Date            time.Time // date only, midnight UTC
	StartMinute     int
	DurationMinutes int
	Status          string
	CreatedAt       time.Time
	CancelledAt     *time.Time
}

func (b Booking) EndMinute() int {
	return b.StartMinute + b.DurationMinutes
}

// Bay is one occupied service bay. Free bays have no row; indices run
// 1..capacity and persist across reuse.
type Bay struct {
	ShopID      string
	Index       int
	WorkOrderID string
	AssignedAt  time.Time
}

// DateOnly truncates t to its UTC calendar date.
func DateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MinuteOfDay returns how many minutes into its UTC day t is.
func MinuteOfDay(t time.Time) int {
	t = t.UTC()
	return t.Hour()*60 + t.Minute()
}
