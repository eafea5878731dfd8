package parser

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	meters "calista-sync/internal/meters/domain"
)

// ErrParse marks fatal parse failures: empty or unreadable input, malformed
// headers, missing metadata columns.
var ErrParse = errors.New("parser: parse error")

// Canonical metadata column keys after normalization.
const (
	columnType     = "tipo"
	columnSerial   = "n_serie"
	columnLocation = "ubicacion"
)

// oleMagic is the OLE compound-file signature carried by legacy BIFF .xls
// exports, which the portal still serves under some account settings.
var oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0}

// Vendor type markers, matched as substrings of the normalized type cell.
const (
	coldWaterMarker = "agua_fria"
	hotWaterMarker  = "agua_caliente"
	heatingMarker   = "calefaccion"
)

// Parser turns one portal spreadsheet export into per-serial devices. Date
// column headers carry day/month only; referenceYear anchors them, with the
// year stepping back once when the header sequence crosses a year boundary.
type Parser struct {
	referenceYear int
}

// New constructs a parser for one export file.
func New(referenceYear int) *Parser {
	return &Parser{referenceYear: referenceYear}
}

// SkippedRow records a data row excluded from the result.
type SkippedRow struct {
	Row        int
	DeviceType string
	Serial     string
	Reason     string
}

// BadValue records a reading cell that could not be converted.
type BadValue struct {
	Serial string
	Date   time.Time
	Raw    string
	Reason string
}

// Report collects per-row and per-cell diagnostics. The parse itself stays
// side-effect-free; callers decide how to surface these.
type Report struct {
	SkippedRows []SkippedRow
	BadValues   []BadValue
}

type column struct {
	key  string
	date time.Time
	meta bool
}

// Parse reads the export and returns one device per serial number together
// with a diagnostics report.
func (p *Parser) Parse(data []byte) (map[string]*meters.Device, Report, error) {
	var report Report

	if len(data) == 0 {
		return nil, report, fmt.Errorf("%w: file content is empty", ErrParse)
	}
	if bytes.HasPrefix(data, oleMagic) {
		return nil, report, fmt.Errorf("%w: legacy xls (OLE compound file) export is not supported, expected xlsx", ErrParse)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, report, fmt.Errorf("%w: failed to read workbook: %v", ErrParse, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, report, fmt.Errorf("%w: workbook has no sheets", ErrParse)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, report, fmt.Errorf("%w: failed to read sheet %q: %v", ErrParse, sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, report, fmt.Errorf("%w: sheet %q has no header row", ErrParse, sheets[0])
	}

	columns, err := p.buildColumns(rows[0])
	if err != nil {
		return nil, report, err
	}

	devices := make(map[string]*meters.Device)
	for i, raw := range rows[1:] {
		rowNum := i + 2
		device, err := p.processRow(rowNum, raw, columns, &report)
		if err != nil {
			return nil, report, err
		}
		if device == nil {
			continue
		}
		if existing, ok := devices[device.SerialNumber]; ok {
			// Last row wins for identity, but nothing already read is lost.
			for _, r := range existing.History() {
				device.AddReading(r)
			}
		}
		devices[device.SerialNumber] = device
	}
	return devices, report, nil
}

// buildColumns normalizes headers and resolves day/month headers to full
// dates. Headers run from most recent to oldest; the first month regression
// (a month greater than its predecessor's) marks the year boundary, and every
// header from there on belongs to the previous year.
func (p *Parser) buildColumns(headers []string) ([]column, error) {
	columns := make([]column, 0, len(headers))
	seen := make(map[string]bool)

	previousMonth := 0
	inPreviousYear := false
	for _, raw := range headers {
		key := NormalizeHeader(raw)
		switch key {
		case columnType, columnSerial, columnLocation:
			columns = append(columns, column{key: key, meta: true})
			seen[key] = true
			continue
		}

		day, month, err := parseDateFragment(key)
		if err != nil {
			return nil, fmt.Errorf("%w: unexpected header format: %q", ErrParse, raw)
		}
		if previousMonth != 0 && month > previousMonth {
			inPreviousYear = true
		}
		previousMonth = month

		year := p.referenceYear
		if inPreviousYear {
			year--
		}
		columns = append(columns, column{
			key:  key,
			date: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC),
		})
	}

	for _, required := range []string{columnType, columnSerial, columnLocation} {
		if !seen[required] {
			return nil, fmt.Errorf("%w: missing metadata column %q", ErrParse, required)
		}
	}
	return columns, nil
}

// processRow turns one data row into a device, or nil when the row is skipped.
func (p *Parser) processRow(rowNum int, raw []string, columns []column, report *Report) (*meters.Device, error) {
	cell := func(i int) string {
		if i < len(raw) {
			return strings.TrimSpace(raw[i])
		}
		return ""
	}

	// Metadata first; duplicate normalized headers resolve to the later
	// occurrence, same as a row-dictionary rebuild would.
	metadata := make(map[string]string, 3)
	for i, col := range columns {
		if col.meta {
			metadata[col.key] = cell(i)
		}
	}

	serial := metadata[columnSerial]
	deviceType := metadata[columnType]
	location := metadata[columnLocation]

	if serial == "" || serial == "-" {
		report.SkippedRows = append(report.SkippedRows, SkippedRow{
			Row: rowNum, DeviceType: deviceType, Reason: "missing serial number",
		})
		return nil, nil
	}

	kind, ok := classifyDeviceType(deviceType)
	if !ok {
		report.SkippedRows = append(report.SkippedRows, SkippedRow{
			Row: rowNum, DeviceType: deviceType, Serial: serial, Reason: "unknown device type",
		})
		return nil, nil
	}

	device, err := meters.NewDevice(kind, serial, location)
	if err != nil {
		return nil, fmt.Errorf("%w: row %d: %v", ErrParse, rowNum, err)
	}

	// Backfill: scanning most-recent to oldest, a blank reading cell takes the
	// next more-recent value in the row. Metadata cells are never filled.
	carry := ""
	for i, col := range columns {
		if col.meta {
			continue
		}
		value := cell(i)
		if value == "" && carry != "" {
			value = carry
		} else if value != "" {
			carry = value
		}
		p.addReading(device, col.date, value, report)
	}
	return device, nil
}

// addReading coerces one cell into a reading on the device. Unparseable,
// non-finite and negative values are reported; the first two still yield a
// missing sample so the date is not lost from the series.
func (p *Parser) addReading(device *meters.Device, date time.Time, raw string, report *Report) {
	if raw == "" {
		device.AddMissingReading(date)
		return
	}
	value, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", "."), 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		reason := "not a number"
		if err == nil {
			reason = "not a finite number"
		}
		report.BadValues = append(report.BadValues, BadValue{
			Serial: device.SerialNumber, Date: date, Raw: raw, Reason: reason,
		})
		device.AddMissingReading(date)
		return
	}
	if err := device.AddReadingValue(value, date); err != nil {
		report.BadValues = append(report.BadValues, BadValue{
			Serial: device.SerialNumber, Date: date, Raw: raw, Reason: err.Error(),
		})
	}
}

var accentReplacer = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u", "ñ", "n",
	"º", "", "°", "",
)

// NormalizeHeader canonicalizes a raw column header: trim, lower-case, drop
// ordinal markers, transliterate Spanish accents, collapse interior spaces to
// underscores. The result is stable under re-normalization.
func NormalizeHeader(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = accentReplacer.Replace(s)
	return strings.Join(strings.Fields(s), "_")
}

// parseDateFragment parses a "dd/mm" header into day and month numbers.
func parseDateFragment(s string) (day, month int, err error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("not a day/month fragment: %q", s)
	}
	day, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	month, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, err
	}
	if day < 1 || day > 31 || month < 1 || month > 12 {
		return 0, 0, fmt.Errorf("day/month out of range: %q", s)
	}
	return day, month, nil
}

func classifyDeviceType(deviceType string) (meters.DeviceType, bool) {
	normalized := NormalizeHeader(deviceType)
	switch {
	case strings.Contains(normalized, coldWaterMarker):
		return meters.TypeColdWater, true
	case strings.Contains(normalized, hotWaterMarker):
		return meters.TypeHotWater, true
	case strings.Contains(normalized, heatingMarker):
		return meters.TypeHeating, true
	default:
		return meters.TypeGeneric, false
	}
}
