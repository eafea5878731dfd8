package meters

import (
	"errors"
	"sort"
	"time"
)

// ErrEmptySerial rejects devices without a serial number.
var ErrEmptySerial = errors.New("meters: serial number cannot be empty")

// DeviceType classifies a meter. The tag is purely informational; behavior is
// identical across types.
type DeviceType string

const (
	TypeGeneric   DeviceType = "generic"
	TypeHeating   DeviceType = "heating"
	TypeHotWater  DeviceType = "hot_water"
	TypeColdWater DeviceType = "cold_water"
)

// Device is one physical meter with its chronologically ordered history.
type Device struct {
	SerialNumber string
	Location     string
	Type         DeviceType

	history []Reading
}

// NewDevice constructs a device. Location may be empty.
func NewDevice(deviceType DeviceType, serialNumber, location string) (*Device, error) {
	if serialNumber == "" {
		return nil, ErrEmptySerial
	}
	if deviceType == "" {
		deviceType = TypeGeneric
	}
	return &Device{SerialNumber: serialNumber, Location: location, Type: deviceType}, nil
}

// AddReading inserts a reading at its chronological position. Duplicate dates
// are kept; reconciling them is the merge/interpolation stage's job.
func (d *Device) AddReading(r Reading) {
	idx := sort.Search(len(d.history), func(i int) bool {
		return d.history[i].Date.After(r.Date)
	})
	d.history = append(d.history, Reading{})
	copy(d.history[idx+1:], d.history[idx:])
	d.history[idx] = r
}

// AddReadingValue inserts a valued reading, rejecting negative values.
func (d *Device) AddReadingValue(value float64, date time.Time) error {
	r, err := NewValueReading(date, value)
	if err != nil {
		return err
	}
	d.AddReading(r)
	return nil
}

// AddMissingReading inserts an explicitly missing sample.
func (d *Device) AddMissingReading(date time.Time) {
	d.AddReading(NewMissingReading(date))
}

// History returns the ordered reading sequence. Callers must not mutate it.
func (d *Device) History() []Reading { return d.history }

// LastReading returns the most recent reading, or false when the history is
// empty.
func (d *Device) LastReading() (Reading, bool) {
	if len(d.history) == 0 {
		return Reading{}, false
	}
	return d.history[len(d.history)-1], true
}

// LastConsumption returns the delta between the two most recent readings.
func (d *Device) LastConsumption() (float64, error) {
	if len(d.history) < 2 {
		return 0, errors.New("meters: not enough readings for consumption")
	}
	return d.history[len(d.history)-1].Sub(d.history[len(d.history)-2])
}

// CloneIdentity returns an empty-history device with the same serial, location
// and type.
func (d *Device) CloneIdentity() *Device {
	return &Device{SerialNumber: d.SerialNumber, Location: d.Location, Type: d.Type}
}
