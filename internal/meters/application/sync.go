package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	meters "calista-sync/internal/meters/domain"
	"calista-sync/internal/meters/history"
	"calista-sync/internal/meters/parser"
	"calista-sync/internal/observability/metrics"
	"calista-sync/internal/portal"
)

// ExportFetcher downloads spreadsheet exports from the portal.
type ExportFetcher interface {
	Login(ctx context.Context) error
	FetchReadings(ctx context.Context, start, end time.Time) ([]portal.Export, error)
}

// ReadingStore persists cleaned device histories.
type ReadingStore interface {
	SaveDevices(ctx context.Context, devices map[string]*meters.Device) error
}

// SyncService runs the reading-history reconstruction pipeline: fetch export
// windows, parse each with its reference year, merge per serial, interpolate
// and trim, then persist. The most recent result is kept as an in-memory
// snapshot for the API layer.
type SyncService struct {
	fetcher ExportFetcher
	store   ReadingStore
	logger  *log.Logger

	mu       sync.RWMutex
	snapshot map[string]*meters.Device
	lastSync time.Time
}

// NewSyncService constructs a sync service. The store may be nil, in which
// case results are only kept in memory.
func NewSyncService(fetcher ExportFetcher, store ReadingStore, logger *log.Logger) (*SyncService, error) {
	if fetcher == nil {
		return nil, errors.New("sync: nil fetcher")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &SyncService{fetcher: fetcher, store: store, logger: logger}, nil
}

// Run executes one sync over [start, end) and returns the cleaned devices.
func (s *SyncService) Run(ctx context.Context, start, end time.Time) (map[string]*meters.Device, error) {
	began := time.Now()
	devices, err := s.run(ctx, start, end)
	metrics.ObserveSyncRun(err, time.Since(began))
	if err != nil {
		return nil, err
	}

	metrics.SetDevicesTracked(len(devices))
	s.mu.Lock()
	s.snapshot = devices
	s.lastSync = time.Now().UTC()
	s.mu.Unlock()
	return devices, nil
}

func (s *SyncService) run(ctx context.Context, start, end time.Time) (map[string]*meters.Device, error) {
	if err := s.fetcher.Login(ctx); err != nil {
		return nil, err
	}

	exports, err := s.fetcher.FetchReadings(ctx, start, end)
	metrics.ObservePortalFetch(err)
	if err != nil {
		return nil, err
	}

	windows := make([]map[string]*meters.Device, 0, len(exports))
	for _, export := range exports {
		devices, report, err := parser.New(export.ReferenceYear).Parse(export.Data)
		if err != nil {
			return nil, fmt.Errorf("sync: parse window (year %d): %w", export.ReferenceYear, err)
		}
		s.logReport(report)
		metrics.ObserveParse(len(devices), len(report.SkippedRows), len(report.BadValues))
		windows = append(windows, devices)
	}

	merged := history.Merge(windows)
	cleaned := make(map[string]*meters.Device, len(merged))
	for serial, device := range merged {
		cleaned[serial] = history.InterpolateAndTrim(device)
	}

	if s.store != nil {
		if err := s.store.SaveDevices(ctx, cleaned); err != nil {
			return nil, fmt.Errorf("sync: store devices: %w", err)
		}
	}
	return cleaned, nil
}

// Snapshot returns the devices from the most recent successful sync and its
// completion time.
func (s *SyncService) Snapshot() (map[string]*meters.Device, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot, s.lastSync
}

func (s *SyncService) logReport(report parser.Report) {
	for _, skipped := range report.SkippedRows {
		s.logger.Printf("sync: skipped row %d: %s (type=%q serial=%q)",
			skipped.Row, skipped.Reason, skipped.DeviceType, skipped.Serial)
	}
	for _, bad := range report.BadValues {
		s.logger.Printf("sync: bad reading for %s on %s: %q (%s)",
			bad.Serial, bad.Date.Format("2006-01-02"), bad.Raw, bad.Reason)
	}
}
