package meters

import (
	"errors"
	"fmt"
	"time"
)

// ErrNegativeReading rejects meter values below zero at construction.
var ErrNegativeReading = errors.New("meters: reading value cannot be negative")

// ErrMissingValue is returned when arithmetic touches an absent reading.
var ErrMissingValue = errors.New("meters: reading value is missing")

// Reading is a single meter sample on a calendar date. A nil value marks an
// explicitly missing sample, which is distinct from zero.
type Reading struct {
	Date  time.Time
	Value *float64
}

// NewReading builds a valid reading. The date is normalized to UTC midnight.
func NewReading(date time.Time, value *float64) (Reading, error) {
	if value != nil && *value < 0 {
		return Reading{}, fmt.Errorf("%w: %v", ErrNegativeReading, *value)
	}
	return Reading{Date: Day(date), Value: value}, nil
}

// NewValueReading builds a reading that carries a value.
func NewValueReading(date time.Time, value float64) (Reading, error) {
	return NewReading(date, &value)
}

// NewMissingReading builds a reading whose value is absent.
func NewMissingReading(date time.Time) Reading {
	return Reading{Date: Day(date)}
}

// Day truncates a timestamp to its UTC calendar date.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// HasValue reports whether the reading carries a value.
func (r Reading) HasValue() bool { return r.Value != nil }

// Before orders readings chronologically.
func (r Reading) Before(other Reading) bool { return r.Date.Before(other.Date) }

// Sub returns the consumption delta against a previous reading. It fails when
// either reading is missing its value.
func (r Reading) Sub(previous Reading) (float64, error) {
	if r.Value == nil || previous.Value == nil {
		return 0, ErrMissingValue
	}
	return *r.Value - *previous.Value, nil
}

func (r Reading) String() string {
	if r.Value == nil {
		return fmt.Sprintf("missing @ %s", r.Date.Format("2006-01-02"))
	}
	return fmt.Sprintf("%.2f @ %s", *r.Value, r.Date.Format("2006-01-02"))
}
