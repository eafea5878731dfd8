package history

import (
	meters "calista-sync/internal/meters/domain"
)

// Merge combines the device maps produced by parsing each fetch window into a
// single map per serial. The first-seen device keeps its identity (type,
// location); later windows only contribute readings. Duplicate timestamps are
// kept as-is for the interpolation stage to reconcile.
func Merge(windows []map[string]*meters.Device) map[string]*meters.Device {
	merged := make(map[string]*meters.Device)
	for _, window := range windows {
		for serial, device := range window {
			existing, ok := merged[serial]
			if !ok {
				merged[serial] = device
				continue
			}
			for _, r := range device.History() {
				existing.AddReading(r)
			}
		}
	}
	return merged
}
