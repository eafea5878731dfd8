package interfaces

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	meters "calista-sync/internal/meters/domain"
)

const reportDateLayout = "2006-01-02"

// sortedBySerial returns the devices in stable serial order so reports are
// deterministic.
func sortedBySerial(devices map[string]*meters.Device) []*meters.Device {
	out := make([]*meters.Device, 0, len(devices))
	for _, device := range devices {
		out = append(out, device)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SerialNumber < out[j].SerialNumber
	})
	return out
}

// BuildHistoryXLSX renders one sheet per device with its full reading history.
func BuildHistoryXLSX(devices map[string]*meters.Device, generatedAt time.Time) ([]byte, error) {
	f := excelize.NewFile()
	summarySheet := "devices"
	f.SetSheetName("Sheet1", summarySheet)

	_ = f.SetCellValue(summarySheet, "A1", "Meter reading history")
	_ = f.SetCellValue(summarySheet, "A2", "Generated")
	_ = f.SetCellValue(summarySheet, "B2", generatedAt.Format(time.RFC3339))

	_ = f.SetCellValue(summarySheet, "A4", "Serial")
	_ = f.SetCellValue(summarySheet, "B4", "Type")
	_ = f.SetCellValue(summarySheet, "C4", "Location")
	_ = f.SetCellValue(summarySheet, "D4", "Readings")

	for i, device := range sortedBySerial(devices) {
		row := i + 5
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", row), device.SerialNumber)
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", row), string(device.Type))
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("C%d", row), device.Location)
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("D%d", row), len(device.History()))

		sheet := device.SerialNumber
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
		_ = f.SetCellValue(sheet, "A1", "Date")
		_ = f.SetCellValue(sheet, "B1", "Reading")
		for j, reading := range device.History() {
			readingRow := j + 2
			_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", readingRow), reading.Date.Format(reportDateLayout))
			if reading.HasValue() {
				_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", readingRow), *reading.Value)
			}
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildHistoryPDF renders a compact consumption report across all devices.
func BuildHistoryPDF(devices map[string]*meters.Device, generatedAt time.Time) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Meter Reading History")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", generatedAt.Format(time.RFC3339)))
	pdf.Ln(8)

	for _, device := range sortedBySerial(devices) {
		pdf.SetFont("Arial", "B", 10)
		pdf.Cell(0, 6, fmt.Sprintf("%s (%s) %s", device.SerialNumber, device.Type, device.Location))
		pdf.Ln(7)

		pdf.CellFormat(40, 6, "Date", "1", 0, "C", false, 0, "")
		pdf.CellFormat(50, 6, "Reading", "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
		pdf.SetFont("Arial", "", 10)
		for _, reading := range device.History() {
			value := "-"
			if reading.HasValue() {
				value = fmt.Sprintf("%.3f", *reading.Value)
			}
			pdf.CellFormat(40, 6, reading.Date.Format(reportDateLayout), "1", 0, "C", false, 0, "")
			pdf.CellFormat(50, 6, value, "1", 0, "R", false, 0, "")
			pdf.Ln(-1)
		}
		pdf.Ln(4)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
