package history

import (
	"math"
	"testing"
	"time"

	meters "calista-sync/internal/meters/domain"
)

func day(d int) time.Time {
	return time.Date(2025, 1, d, 0, 0, 0, 0, time.UTC)
}

func heatingDevice(t *testing.T, serial, location string) *meters.Device {
	t.Helper()
	device, err := meters.NewDevice(meters.TypeHeating, serial, location)
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	return device
}

func values(t *testing.T, device *meters.Device) []float64 {
	t.Helper()
	history := device.History()
	out := make([]float64, len(history))
	for i, r := range history {
		if !r.HasValue() {
			t.Fatalf("reading %d still missing: %v", i, r)
		}
		out[i] = *r.Value
	}
	return out
}

func TestInterpolateLinearGap(t *testing.T) {
	device := heatingDevice(t, "12345", "Kitchen")
	_ = device.AddReadingValue(100, day(1))
	device.AddMissingReading(day(2))
	device.AddMissingReading(day(3))
	_ = device.AddReadingValue(200, day(4))

	fixed := InterpolateAndTrim(device)
	got := values(t, fixed)

	want := []float64{100, 100 + 100.0/3, 100 + 200.0/3, 200}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("value[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	if fixed.SerialNumber != "12345" || fixed.Location != "Kitchen" || fixed.Type != meters.TypeHeating {
		t.Fatalf("identity not preserved: %+v", fixed)
	}
}

func TestInterpolateFlatGapPreservesPrecision(t *testing.T) {
	device := heatingDevice(t, "DEVICE_FLAT", "Living Room")
	_ = device.AddReadingValue(106.554, day(1))
	device.AddMissingReading(day(2))
	device.AddMissingReading(day(3))
	device.AddMissingReading(day(4))
	_ = device.AddReadingValue(106.554, day(5))

	got := values(t, InterpolateAndTrim(device))
	if len(got) != 5 {
		t.Fatalf("len = %d, want 5", len(got))
	}
	for i, v := range got {
		if v != 106.554 {
			t.Errorf("value[%d] = %v, want exactly 106.554", i, v)
		}
	}
}

func TestInterpolateMeterResetFillsZero(t *testing.T) {
	device := heatingDevice(t, "DEVICE_RESET", "Basement")
	_ = device.AddReadingValue(110.0, day(10))
	device.AddMissingReading(day(11))
	device.AddMissingReading(day(12))
	device.AddMissingReading(day(13))
	_ = device.AddReadingValue(5.0, day(14))

	got := values(t, InterpolateAndTrim(device))
	want := []float64{110, 0, 0, 0, 5}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("value[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestInterpolateStaysWithinBoundaries(t *testing.T) {
	device := heatingDevice(t, "DEVICE_BOUNDARY", "Office")
	start, end := 250.123, 250.128
	_ = device.AddReadingValue(start, day(1))
	device.AddMissingReading(day(2))
	device.AddMissingReading(day(3))
	_ = device.AddReadingValue(end, day(4))

	got := values(t, InterpolateAndTrim(device))
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	if got[0] != start || got[3] != end {
		t.Fatalf("boundaries changed: %v", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] > got[i] {
			t.Fatalf("values not monotonic: %v", got)
		}
	}
	if got[1] < start || got[1] > end || got[2] < start || got[2] > end {
		t.Fatalf("interpolated values escaped bounds: %v", got)
	}
}

func TestInterpolateTrimsBoundaryMissing(t *testing.T) {
	device := heatingDevice(t, "DEVICE_TRIM", "")
	device.AddMissingReading(day(1))
	device.AddMissingReading(day(2))
	_ = device.AddReadingValue(50, day(3))
	device.AddMissingReading(day(4))
	_ = device.AddReadingValue(60, day(5))
	device.AddMissingReading(day(6))

	fixed := InterpolateAndTrim(device)
	history := fixed.History()
	if len(history) != 3 {
		t.Fatalf("len = %d, want 3", len(history))
	}
	if !history[0].Date.Equal(day(3)) || !history[2].Date.Equal(day(5)) {
		t.Fatalf("boundaries not trimmed to valid readings: %v", history)
	}
	if *history[1].Value != 55 {
		t.Fatalf("interior = %v, want 55", *history[1].Value)
	}
}

func TestInterpolateAllMissingYieldsEmptyHistory(t *testing.T) {
	device := heatingDevice(t, "DEVICE_EMPTY", "")
	device.AddMissingReading(day(1))
	device.AddMissingReading(day(2))

	fixed := InterpolateAndTrim(device)
	if len(fixed.History()) != 0 {
		t.Fatalf("history = %v, want empty", fixed.History())
	}
}

func TestInterpolateIdempotentOnCleanHistory(t *testing.T) {
	device := heatingDevice(t, "DEVICE_CLEAN", "")
	_ = device.AddReadingValue(10, day(1))
	_ = device.AddReadingValue(20, day(2))
	_ = device.AddReadingValue(30, day(3))

	fixed := InterpolateAndTrim(device)
	again := InterpolateAndTrim(fixed)

	first, second := fixed.History(), again.History()
	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("history lengths = %d, %d, want 3", len(first), len(second))
	}
	for i := range first {
		if !first[i].Date.Equal(second[i].Date) || *first[i].Value != *second[i].Value {
			t.Fatalf("not idempotent at %d: %v vs %v", i, first[i], second[i])
		}
	}
}

func TestInterpolateSortsUnorderedInput(t *testing.T) {
	// History arrives sorted from the device itself, but the interpolator must
	// not rely on it.
	device := heatingDevice(t, "DEVICE_UNSORTED", "")
	_ = device.AddReadingValue(200, day(4))
	device.AddMissingReading(day(2))
	_ = device.AddReadingValue(100, day(1))
	device.AddMissingReading(day(3))

	got := values(t, InterpolateAndTrim(device))
	if got[0] != 100 || got[3] != 200 {
		t.Fatalf("unexpected values: %v", got)
	}
}
