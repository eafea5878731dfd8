package history

import (
	"sort"

	meters "calista-sync/internal/meters/domain"
)

// InterpolateAndTrim rebuilds a device's history without gaps. Leading and
// trailing runs of missing readings are dropped; interior runs are filled by
// linear interpolation between the bounding values. Two special cases: equal
// boundaries are copied exactly so no floating-point drift is introduced, and
// a decrease across the gap means the meter was reset, so the gap is filled
// with zeros rather than a negative slope.
//
// The input device is left untouched; the result shares its serial, location
// and type.
func InterpolateAndTrim(device *meters.Device) *meters.Device {
	readings := make([]meters.Reading, len(device.History()))
	copy(readings, device.History())
	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].Date.Before(readings[j].Date)
	})

	first, last := -1, -1
	for i, r := range readings {
		if r.HasValue() {
			if first == -1 {
				first = i
			}
			last = i
		}
	}

	fixed := device.CloneIdentity()
	if first == -1 {
		return fixed
	}
	readings = readings[first : last+1]

	for i := 0; i < len(readings); i++ {
		r := readings[i]
		if r.HasValue() {
			fixed.AddReading(r)
			continue
		}

		// Start of an interior gap. Both bounds exist: leading and trailing
		// runs were trimmed above.
		gapStart := i
		for !readings[i].HasValue() {
			i++
		}
		vStart := *readings[gapStart-1].Value
		vEnd := *readings[i].Value
		steps := i - gapStart

		for k := 1; k <= steps; k++ {
			date := readings[gapStart+k-1].Date
			switch {
			case vEnd == vStart:
				fixed.AddReading(meters.Reading{Date: date, Value: &vStart})
			case vEnd < vStart:
				// Meter reset across the gap.
				zero := 0.0
				fixed.AddReading(meters.Reading{Date: date, Value: &zero})
			default:
				value := vStart + (vEnd-vStart)*float64(k)/float64(steps+1)
				fixed.AddReading(meters.Reading{Date: date, Value: &value})
			}
		}
		fixed.AddReading(readings[i])
	}
	return fixed
}
