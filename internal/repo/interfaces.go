// Package repo declares the abstract persistence the core depends on.
// A relational implementation (internal/repo/postgres) and an
// in-memory implementation (internal/repo/memtest) satisfy these
// interfaces; the core never imports a driver directly.
package repo

import (
	"context"
	"time"

	"github.com/ceh6514/derms-feeder-controller/internal/domain"
)

// Devices abstracts device identity and feeder membership.
type Devices interface {
	List(ctx context.Context) ([]domain.Device, error)
	Upsert(ctx context.Context, device domain.Device) error
	GetByID(ctx context.Context, id string) (domain.Device, bool, error)
	ListFeeders(ctx context.Context) ([]domain.FeederInfo, error)
}

// Telemetry abstracts telemetry persistence and retrieval.
type Telemetry interface {
	InsertBatch(ctx context.Context, rows []domain.TelemetryRow) ([]domain.InsertOutcome, error)
	LatestPerDevice(ctx context.Context, feederID string) ([]domain.TelemetryRow, error)
	Recent(ctx context.Context, deviceID string, limit int) ([]domain.TelemetryRow, error)
	GetTrackingErrorWindow(ctx context.Context, minutes int, feederID string) (float64, error)
	GetFeederHistory(ctx context.Context, feederID string, since time.Time) ([]domain.TelemetryRow, error)
}

// Events abstracts limit-event lookups.
type Events interface {
	CurrentLimit(ctx context.Context, now time.Time, feederID string) (float64, error)
	ActiveEvent(ctx context.Context, now time.Time, feederID string) (*domain.LimitEvent, error)
}

// DRPrograms abstracts demand-response program lookups and CRUD.
type DRPrograms interface {
	ActiveProgram(ctx context.Context, now time.Time, feederID string) (*domain.DRProgram, error)
	Create(ctx context.Context, program domain.DRProgram) error
	Update(ctx context.Context, program domain.DRProgram) error
	Get(ctx context.Context, id string) (domain.DRProgram, bool, error)
	List(ctx context.Context) ([]domain.DRProgram, error)
}

// DecisionRecords abstracts decision-record persistence.
type DecisionRecords interface {
	Write(ctx context.Context, record domain.Record) error
}

// Repositories bundles every repository the core consumes, the
// dependency surface internal/control.Loop is constructed with.
type Repositories struct {
	Devices         Devices
	Telemetry       Telemetry
	Events          Events
	DRPrograms      DRPrograms
	DecisionRecords DecisionRecords
}
