// Package memtest is an in-memory repo.Repositories implementation used
// by unit tests.
package memtest

import (
	"context"
	"sync"
	"time"

	"github.com/ceh6514/derms-feeder-controller/internal/domain"
	"github.com/ceh6514/derms-feeder-controller/internal/repo"
)

// Store is an in-memory implementation of every repo interface.
type Store struct {
	mu sync.RWMutex

	devices   map[string]domain.Device
	telemetry []domain.TelemetryRow
	seenIDs   map[string]bool
	events    []domain.LimitEvent
	programs  map[string]domain.DRProgram
	records   []domain.Record

	listErr            error
	latestPerDeviceErr error
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		devices:  make(map[string]domain.Device),
		seenIDs:  make(map[string]bool),
		programs: make(map[string]domain.DRProgram),
	}
}

// AsRepositories bundles the store's facets into repo.Repositories.
func (s *Store) AsRepositories() repo.Repositories {
	return repo.Repositories{
		Devices:         s,
		Telemetry:       s,
		Events:          s,
		DRPrograms:      drProgramsFacet{s},
		DecisionRecords: s,
	}
}

// drProgramsFacet adapts Store to repo.DRPrograms. Store's own List
// method already serves repo.Devices with a different return type, so
// the DR-programs List is exposed through this thin wrapper instead of
// a second same-named method on Store.
type drProgramsFacet struct{ *Store }

func (f drProgramsFacet) List(ctx context.Context) ([]domain.DRProgram, error) {
	return f.Store.listPrograms(ctx)
}

// --- Devices ---

// SetListError makes the next and every subsequent List call fail with
// err, for exercising DBErrorBehavior (test helper).
func (s *Store) SetListError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr = err
}

func (s *Store) List(ctx context.Context) ([]domain.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]domain.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out, nil
}

func (s *Store) Upsert(ctx context.Context, device domain.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[device.ID] = device.Normalize()
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (domain.Device, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	return d, ok, nil
}

func (s *Store) ListFeeders(ctx context.Context) ([]domain.FeederInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]domain.FeederInfo)
	for _, d := range s.devices {
		if _, ok := seen[d.FeederID]; !ok {
			seen[d.FeederID] = domain.FeederInfo{FeederID: d.FeederID, SiteID: d.SiteID}
		}
	}
	out := make([]domain.FeederInfo, 0, len(seen))
	for _, f := range seen {
		out = append(out, f)
	}
	return out, nil
}

// --- Telemetry ---

func (s *Store) InsertBatch(ctx context.Context, rows []domain.TelemetryRow) ([]domain.InsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	outcomes := make([]domain.InsertOutcome, len(rows))
	for i, r := range rows {
		if s.seenIDs[r.MessageID] {
			outcomes[i] = domain.InsertOutcomeDuplicate
			continue
		}
		s.seenIDs[r.MessageID] = true
		s.telemetry = append(s.telemetry, r)
		outcomes[i] = domain.InsertOutcomeInserted
	}
	return outcomes, nil
}

// SetLatestPerDeviceError makes the next and every subsequent
// LatestPerDevice call fail with err, for exercising DBErrorBehavior
// (test helper).
func (s *Store) SetLatestPerDeviceError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latestPerDeviceErr = err
}

func (s *Store) LatestPerDevice(ctx context.Context, feederID string) ([]domain.TelemetryRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latestPerDeviceErr != nil {
		return nil, s.latestPerDeviceErr
	}
	latest := make(map[string]domain.TelemetryRow)
	for _, r := range s.telemetry {
		if feederID != "" && r.FeederID != feederID {
			continue
		}
		cur, ok := latest[r.DeviceID]
		if !ok || sampleNewer(r, cur) {
			latest[r.DeviceID] = r
		}
	}
	out := make([]domain.TelemetryRow, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	return out, nil
}

func sampleNewer(a, b domain.TelemetryRow) bool {
	aSent, bSent := int64(0), int64(0)
	if a.SentAtMs != nil {
		aSent = *a.SentAtMs
	}
	if b.SentAtMs != nil {
		bSent = *b.SentAtMs
	}
	if a.TsMs != b.TsMs {
		return a.TsMs > b.TsMs
	}
	return aSent > bSent
}

func (s *Store) Recent(ctx context.Context, deviceID string, limit int) ([]domain.TelemetryRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.TelemetryRow
	for i := len(s.telemetry) - 1; i >= 0 && len(out) < limit; i-- {
		if s.telemetry[i].DeviceID == deviceID {
			out = append(out, s.telemetry[i])
		}
	}
	return out, nil
}

func (s *Store) GetTrackingErrorWindow(ctx context.Context, minutes int, feederID string) (float64, error) {
	return 0, nil
}

func (s *Store) GetFeederHistory(ctx context.Context, feederID string, since time.Time) ([]domain.TelemetryRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.TelemetryRow
	for _, r := range s.telemetry {
		if r.FeederID == feederID && r.TsMs >= since.UnixMilli() {
			out = append(out, r)
		}
	}
	return out, nil
}

// --- Events ---

// SetEvents replaces the limit-event fixture set (test helper).
func (s *Store) SetEvents(events []domain.LimitEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = events
}

func (s *Store) CurrentLimit(ctx context.Context, now time.Time, feederID string) (float64, error) {
	ev, err := s.ActiveEvent(ctx, now, feederID)
	if err != nil {
		return 0, err
	}
	if ev == nil {
		return 0, errNoLimit
	}
	return ev.LimitKw, nil
}

var errNoLimit = &noLimitError{}

type noLimitError struct{}

func (e *noLimitError) Error() string { return "no active limit event" }

// IsNoLimit reports whether err indicates no active limit event exists
// (callers should fall back to the configured feeder default).
func IsNoLimit(err error) bool {
	_, ok := err.(*noLimitError)
	return ok
}

func (s *Store) ActiveEvent(ctx context.Context, now time.Time, feederID string) (*domain.LimitEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *domain.LimitEvent
	for i := range s.events {
		e := s.events[i]
		if e.FeederID != feederID || !e.Active(now) {
			continue
		}
		if best == nil || e.TsStart.After(best.TsStart) {
			ec := e
			best = &ec
		}
	}
	return best, nil
}

// --- DR Programs ---

// SetProgram installs a DR program fixture (test helper).
func (s *Store) SetProgram(p domain.DRProgram) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.programs[p.ID] = p
}

func (s *Store) ActiveProgram(ctx context.Context, now time.Time, feederID string) (*domain.DRProgram, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.programs {
		if p.Effective(now) {
			pc := p
			return &pc, nil
		}
	}
	return nil, nil
}

func (s *Store) Create(ctx context.Context, program domain.DRProgram) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.programs[program.ID] = program
	return nil
}

func (s *Store) Update(ctx context.Context, program domain.DRProgram) error {
	return s.Create(ctx, program)
}

func (s *Store) Get(ctx context.Context, id string) (domain.DRProgram, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.programs[id]
	return p, ok, nil
}

func (s *Store) listPrograms(ctx context.Context) ([]domain.DRProgram, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DRProgram, 0, len(s.programs))
	for _, p := range s.programs {
		out = append(out, p)
	}
	return out, nil
}

// --- Decision records ---

func (s *Store) Write(ctx context.Context, record domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

// Records returns every written decision record (test helper).
func (s *Store) Records() []domain.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Record, len(s.records))
	copy(out, s.records)
	return out
}
