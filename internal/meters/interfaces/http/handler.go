package http

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"calista-sync/internal/meters/application"
	meters "calista-sync/internal/meters/domain"
	"calista-sync/internal/meters/interfaces"
	"calista-sync/internal/portal"
)

const dateLayout = "2006-01-02"

// HistoryStore loads persisted devices when the in-memory snapshot is cold.
type HistoryStore interface {
	ListDevices(ctx context.Context) ([]*meters.Device, error)
	LoadHistory(ctx context.Context, serial string, from, to time.Time) (*meters.Device, error)
}

type deviceSummary struct {
	SerialNumber    string   `json:"serial_number"`
	Location        string   `json:"location"`
	Type            string   `json:"type"`
	Readings        int      `json:"readings"`
	LastReadingDate string   `json:"last_reading_date,omitempty"`
	LastReading     *float64 `json:"last_reading,omitempty"`
	LastConsumption *float64 `json:"last_consumption,omitempty"`
}

type readingDTO struct {
	Date  string   `json:"date"`
	Value *float64 `json:"value"`
}

// DevicesHandler serves device listings and per-device reading histories.
type DevicesHandler struct {
	service *application.SyncService
	store   HistoryStore
}

// NewDevicesHandler constructs a DevicesHandler. The store may be nil.
func NewDevicesHandler(service *application.SyncService, store HistoryStore) (*DevicesHandler, error) {
	if service == nil {
		return nil, errors.New("devices handler: nil service")
	}
	return &DevicesHandler{service: service, store: store}, nil
}

// ServeHTTP handles GET /api/v1/devices and GET /api/v1/devices/{serial}/readings.
func (h *DevicesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/devices")
	rest = strings.Trim(rest, "/")
	switch {
	case rest == "":
		h.listDevices(w, r)
	case strings.HasSuffix(rest, "/readings"):
		serial := strings.TrimSuffix(rest, "/readings")
		h.deviceReadings(w, r, strings.Trim(serial, "/"))
	default:
		http.NotFound(w, r)
	}
}

func (h *DevicesHandler) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, _ := h.service.Snapshot()
	if len(devices) == 0 && h.store != nil {
		list, err := h.store.ListDevices(r.Context())
		if err != nil {
			http.Error(w, "list devices error", http.StatusInternalServerError)
			return
		}
		devices = make(map[string]*meters.Device, len(list))
		for _, device := range list {
			devices[device.SerialNumber] = device
		}
	}

	summaries := make([]deviceSummary, 0, len(devices))
	for _, device := range sortedBySerial(devices) {
		summary := deviceSummary{
			SerialNumber: device.SerialNumber,
			Location:     device.Location,
			Type:         string(device.Type),
			Readings:     len(device.History()),
		}
		if last, ok := device.LastReading(); ok && last.HasValue() {
			summary.LastReadingDate = last.Date.Format(dateLayout)
			summary.LastReading = last.Value
		}
		if delta, err := device.LastConsumption(); err == nil {
			summary.LastConsumption = &delta
		}
		summaries = append(summaries, summary)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(summaries)
}

func (h *DevicesHandler) deviceReadings(w http.ResponseWriter, r *http.Request, serial string) {
	if serial == "" {
		http.Error(w, "serial is required", http.StatusBadRequest)
		return
	}

	from, to, err := parseRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	device := h.findDevice(r.Context(), serial, from, to)
	if device == nil {
		http.NotFound(w, r)
		return
	}

	readings := make([]readingDTO, 0, len(device.History()))
	for _, reading := range device.History() {
		if reading.Date.Before(from) || reading.Date.After(to) {
			continue
		}
		readings = append(readings, readingDTO{
			Date:  reading.Date.Format(dateLayout),
			Value: reading.Value,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(readings)
}

func (h *DevicesHandler) findDevice(ctx context.Context, serial string, from, to time.Time) *meters.Device {
	devices, _ := h.service.Snapshot()
	if device, ok := devices[serial]; ok {
		return device
	}
	if h.store == nil {
		return nil
	}
	device, err := h.store.LoadHistory(ctx, serial, from, to)
	if err != nil {
		return nil
	}
	return device
}

// SyncHandler triggers an on-demand sync run.
type SyncHandler struct {
	service      *application.SyncService
	lookbackDays int
}

// NewSyncHandler constructs a SyncHandler.
func NewSyncHandler(service *application.SyncService, lookbackDays int) (*SyncHandler, error) {
	if service == nil {
		return nil, errors.New("sync handler: nil service")
	}
	if lookbackDays <= 0 {
		lookbackDays = 30
	}
	return &SyncHandler{service: service, lookbackDays: lookbackDays}, nil
}

// ServeHTTP handles POST /api/v1/sync.
func (h *SyncHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -h.lookbackDays)
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(dateLayout, raw)
		if err != nil {
			http.Error(w, "invalid from date", http.StatusBadRequest)
			return
		}
		start = parsed
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(dateLayout, raw)
		if err != nil {
			http.Error(w, "invalid to date", http.StatusBadRequest)
			return
		}
		end = parsed
	}

	devices, err := h.service.Run(r.Context(), start, end)
	if err != nil {
		switch {
		case errors.Is(err, portal.ErrLogin):
			http.Error(w, "portal login failed", http.StatusBadGateway)
		case errors.Is(err, portal.ErrConnection):
			http.Error(w, "portal unreachable", http.StatusBadGateway)
		default:
			http.Error(w, "sync failed", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"devices": len(devices),
		"from":    start.Format(dateLayout),
		"to":      end.Format(dateLayout),
	})
}

// ExportCSVHandler streams the current snapshot as CSV.
type ExportCSVHandler struct {
	service *application.SyncService
}

// NewExportCSVHandler constructs an ExportCSVHandler.
func NewExportCSVHandler(service *application.SyncService) (*ExportCSVHandler, error) {
	if service == nil {
		return nil, errors.New("export handler: nil service")
	}
	return &ExportCSVHandler{service: service}, nil
}

// ServeHTTP handles GET /api/v1/exports/readings.csv.
func (h *ExportCSVHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	devices, _ := h.service.Snapshot()
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="readings.csv"`)

	writer := csv.NewWriter(w)
	_ = writer.Write([]string{"serial_number", "type", "location", "date", "value"})
	for _, device := range sortedBySerial(devices) {
		for _, reading := range device.History() {
			value := ""
			if reading.HasValue() {
				value = strconv.FormatFloat(*reading.Value, 'f', -1, 64)
			}
			_ = writer.Write([]string{
				device.SerialNumber,
				string(device.Type),
				device.Location,
				reading.Date.Format(dateLayout),
				value,
			})
		}
	}
	writer.Flush()
}

// ExportReportHandler renders the current snapshot as an XLSX or PDF report.
type ExportReportHandler struct {
	service *application.SyncService
}

// NewExportReportHandler constructs an ExportReportHandler.
func NewExportReportHandler(service *application.SyncService) (*ExportReportHandler, error) {
	if service == nil {
		return nil, errors.New("report handler: nil service")
	}
	return &ExportReportHandler{service: service}, nil
}

// ServeHTTP handles GET /api/v1/exports/readings.xlsx and readings.pdf.
func (h *ExportReportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	devices, _ := h.service.Snapshot()
	now := time.Now().UTC()

	switch {
	case strings.HasSuffix(r.URL.Path, ".xlsx"):
		data, err := interfaces.BuildHistoryXLSX(devices, now)
		if err != nil {
			http.Error(w, "report error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="readings.xlsx"`)
		_, _ = w.Write(data)
	case strings.HasSuffix(r.URL.Path, ".pdf"):
		data, err := interfaces.BuildHistoryPDF(devices, now)
		if err != nil {
			http.Error(w, "report error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="readings.pdf"`)
		_, _ = w.Write(data)
	default:
		http.NotFound(w, r)
	}
}

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

func parseRange(r *http.Request) (time.Time, time.Time, error) {
	from := time.Time{}
	to := time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(dateLayout, raw)
		if err != nil {
			return from, to, errors.New("invalid from date")
		}
		from = parsed
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(dateLayout, raw)
		if err != nil {
			return from, to, errors.New("invalid to date")
		}
		to = parsed
	}
	if to.Before(from) {
		return from, to, errors.New("to must not be before from")
	}
	return from, to, nil
}
