package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"calista-sync/internal/meters/application"
	"calista-sync/internal/portal"
)

func buildExport(t *testing.T, rows [][]string) []byte {
	t.Helper()
	f := excelize.NewFile()
	sheet := f.GetSheetList()[0]
	for ri, row := range rows {
		for ci, value := range row {
			cell, err := excelize.CoordinatesToCellName(ci+1, ri+1)
			if err != nil {
				t.Fatalf("cell name: %v", err)
			}
			if err := f.SetCellStr(sheet, cell, value); err != nil {
				t.Fatalf("set cell: %v", err)
			}
		}
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatalf("write workbook: %v", err)
	}
	return buf.Bytes()
}

type stubFetcher struct {
	exports []portal.Export
	err     error
	runs    int
}

func (s *stubFetcher) Login(_ context.Context) error {
	return s.err
}

func (s *stubFetcher) FetchReadings(_ context.Context, _, _ time.Time) ([]portal.Export, error) {
	s.runs++
	return s.exports, nil
}

// syncedService builds a SyncService whose snapshot holds one cold-water and
// one heating meter.
func syncedService(t *testing.T) (*application.SyncService, *stubFetcher) {
	t.Helper()
	data := buildExport(t, [][]string{
		{"Tipo", "Nº Serie", "Ubicación", "03/06", "02/06", "01/06"},
		{"Radio agua fría", "414293326", "Bathroom", "12.5", "11", "10"},
		{"Distribuidor de Costes de Calefacción", "141740872", "(1-Cocina1)", "230", "220", "200"},
	})
	fetcher := &stubFetcher{exports: []portal.Export{{ReferenceYear: 2025, Data: data}}}
	service, err := application.NewSyncService(fetcher, nil, nil)
	if err != nil {
		t.Fatalf("new sync service: %v", err)
	}
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 6, 4, 0, 0, 0, 0, time.UTC)
	if _, err := service.Run(context.Background(), start, end); err != nil {
		t.Fatalf("seed sync: %v", err)
	}
	return service, fetcher
}

func TestListDevices(t *testing.T) {
	service, _ := syncedService(t)
	handler, err := NewDevicesHandler(service, nil)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var summaries []deviceSummary
	if err := json.NewDecoder(rec.Body).Decode(&summaries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("devices = %d, want 2", len(summaries))
	}
	// Sorted by serial: the heating meter first.
	first := summaries[0]
	if first.SerialNumber != "141740872" || first.Type != "heating" {
		t.Fatalf("unexpected first device: %+v", first)
	}
	if first.LastReading == nil || *first.LastReading != 230 {
		t.Fatalf("last reading = %v, want 230", first.LastReading)
	}
	if first.LastConsumption == nil || *first.LastConsumption != 10 {
		t.Fatalf("last consumption = %v, want 10", first.LastConsumption)
	}
}

func TestDeviceReadings(t *testing.T) {
	service, _ := syncedService(t)
	handler, _ := NewDevicesHandler(service, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/414293326/readings?from=2025-06-02&to=2025-06-03", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var readings []readingDTO
	if err := json.NewDecoder(rec.Body).Decode(&readings); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("readings = %d, want 2 (range filtered)", len(readings))
	}
	if readings[0].Date != "2025-06-02" || *readings[0].Value != 11 {
		t.Fatalf("unexpected reading: %+v", readings[0])
	}
}

func TestDeviceReadingsNotFound(t *testing.T) {
	service, _ := syncedService(t)
	handler, _ := NewDevicesHandler(service, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/does-not-exist/readings", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSyncHandlerTriggersRun(t *testing.T) {
	service, fetcher := syncedService(t)
	handler, err := NewSyncHandler(service, 30)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync?from=2025-06-01&to=2025-06-04", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	if fetcher.runs != 2 {
		t.Fatalf("fetch runs = %d, want 2 (seed + trigger)", fetcher.runs)
	}

	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["devices"] != float64(2) {
		t.Fatalf("devices = %v, want 2", resp["devices"])
	}
}

func TestSyncHandlerLoginFailure(t *testing.T) {
	fetcher := &stubFetcher{err: portal.ErrLogin}
	service, _ := application.NewSyncService(fetcher, nil, nil)
	handler, _ := NewSyncHandler(service, 30)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestExportCSV(t *testing.T) {
	service, _ := syncedService(t)
	handler, _ := NewExportCSVHandler(service)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/exports/readings.csv", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 7 {
		t.Fatalf("lines = %d, want header + 6 readings:\n%s", len(lines), rec.Body)
	}
	if !strings.HasPrefix(lines[0], "serial_number,") {
		t.Fatalf("unexpected header: %q", lines[0])
	}
}

func TestExportReportXLSX(t *testing.T) {
	service, _ := syncedService(t)
	handler, _ := NewExportReportHandler(service)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/exports/readings.xlsx", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	workbook, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("open report: %v", err)
	}
	defer workbook.Close()

	sheets := workbook.GetSheetList()
	found := false
	for _, sheet := range sheets {
		if sheet == "141740872" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no per-device sheet in %v", sheets)
	}
}

func TestExportReportPDF(t *testing.T) {
	service, _ := syncedService(t)
	handler, _ := NewExportReportHandler(service)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/exports/readings.pdf", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")) {
		t.Fatalf("response is not a PDF: %q", rec.Body.Bytes()[:8])
	}
}
