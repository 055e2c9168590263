// Package postgres implements repo.Repositories against a PostgreSQL
// schema using pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ceh6514/derms-feeder-controller/internal/domain"
	"github.com/ceh6514/derms-feeder-controller/internal/repo"
)

// Store implements every repo interface against a connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New initializes a Store with a pool sized for a control-loop workload:
// modest max connections, since the loop issues O(feeders) queries per
// cycle rather than per-request fan-out.
func New(ctx context.Context, connString string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
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

func (s *Store) List(ctx context.Context) ([]domain.Device, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT device_id, device_type, site_id, feeder_id, parent_feeder_id, p_max_kw, priority, is_physical
		FROM devices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Device
	for rows.Next() {
		var d domain.Device
		var parentFeeder *string
		if err := rows.Scan(&d.ID, &d.Type, &d.SiteID, &d.FeederID, &parentFeeder, &d.PMaxKw, &d.Priority, &d.IsPhysical); err != nil {
			return nil, err
		}
		if parentFeeder != nil {
			d.ParentFeederID = *parentFeeder
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) Upsert(ctx context.Context, device domain.Device) error {
	device = device.Normalize()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO devices (device_id, device_type, site_id, feeder_id, parent_feeder_id, p_max_kw, priority, is_physical, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (device_id) DO UPDATE SET
			device_type = EXCLUDED.device_type,
			site_id = EXCLUDED.site_id,
			feeder_id = EXCLUDED.feeder_id,
			parent_feeder_id = EXCLUDED.parent_feeder_id,
			p_max_kw = EXCLUDED.p_max_kw,
			priority = EXCLUDED.priority,
			is_physical = EXCLUDED.is_physical,
			updated_at = NOW()`,
		device.ID, device.Type, device.SiteID, device.FeederID, nullableString(device.ParentFeederID),
		device.PMaxKw, device.Priority, device.IsPhysical)
	return err
}

func (s *Store) GetByID(ctx context.Context, id string) (domain.Device, bool, error) {
	var d domain.Device
	var parentFeeder *string
	err := s.pool.QueryRow(ctx, `
		SELECT device_id, device_type, site_id, feeder_id, parent_feeder_id, p_max_kw, priority, is_physical
		FROM devices WHERE device_id = $1`, id).
		Scan(&d.ID, &d.Type, &d.SiteID, &d.FeederID, &parentFeeder, &d.PMaxKw, &d.Priority, &d.IsPhysical)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Device{}, false, nil
	}
	if err != nil {
		return domain.Device{}, false, err
	}
	if parentFeeder != nil {
		d.ParentFeederID = *parentFeeder
	}
	return d, true, nil
}

func (s *Store) ListFeeders(ctx context.Context) ([]domain.FeederInfo, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT feeder_id, site_id FROM devices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.FeederInfo
	for rows.Next() {
		var f domain.FeederInfo
		if err := rows.Scan(&f.FeederID, &f.SiteID); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// --- Telemetry ---

// InsertBatch inserts rows inside one transaction and relies on a unique
// index on message_id to enforce idempotency: a conflicting insert is
// reported back as duplicate, never erroring the whole batch.
func (s *Store) InsertBatch(ctx context.Context, rows []domain.TelemetryRow) ([]domain.InsertOutcome, error) {
	outcomes := make([]domain.InsertOutcome, len(rows))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	for i, r := range rows {
		caps, err := json.Marshal(r.Capabilities)
		if err != nil {
			return nil, err
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO telemetry_samples
				(message_id, device_id, device_type, ts_ms, sent_at_ms, power_kw, soc, capabilities, site_id, feeder_id, source, message_version)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (message_id) DO NOTHING`,
			r.MessageID, r.DeviceID, r.DeviceType, r.TsMs, r.SentAtMs, r.PowerKw, r.Soc, caps, r.SiteID, r.FeederID, r.Source, r.MessageVersion)
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 0 {
			outcomes[i] = domain.InsertOutcomeDuplicate
		} else {
			outcomes[i] = domain.InsertOutcomeInserted
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (s *Store) LatestPerDevice(ctx context.Context, feederID string) ([]domain.TelemetryRow, error) {
	query := `
		SELECT DISTINCT ON (device_id) message_id, device_id, device_type, ts_ms, sent_at_ms, power_kw, soc, site_id, feeder_id, source, message_version
		FROM telemetry_samples
		WHERE ($1 = '' OR feeder_id = $1)
		ORDER BY device_id, ts_ms DESC, sent_at_ms DESC NULLS LAST`
	rows, err := s.pool.Query(ctx, query, feederID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTelemetryRows(rows)
}

func (s *Store) Recent(ctx context.Context, deviceID string, limit int) ([]domain.TelemetryRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT message_id, device_id, device_type, ts_ms, sent_at_ms, power_kw, soc, site_id, feeder_id, source, message_version
		FROM telemetry_samples WHERE device_id = $1 ORDER BY ts_ms DESC LIMIT $2`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTelemetryRows(rows)
}

func (s *Store) GetTrackingErrorWindow(ctx context.Context, minutes int, feederID string) (float64, error) {
	var avg *float64
	err := s.pool.QueryRow(ctx, `
		SELECT AVG(ABS(tracking_error_kw)) FROM tracking_error_samples
		WHERE feeder_id = $1 AND recorded_at > NOW() - ($2 || ' minutes')::interval`,
		feederID, minutes).Scan(&avg)
	if err != nil {
		return 0, err
	}
	if avg == nil {
		return 0, nil
	}
	return *avg, nil
}

func (s *Store) GetFeederHistory(ctx context.Context, feederID string, since time.Time) ([]domain.TelemetryRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT message_id, device_id, device_type, ts_ms, sent_at_ms, power_kw, soc, site_id, feeder_id, source, message_version
		FROM telemetry_samples WHERE feeder_id = $1 AND ts_ms >= $2 ORDER BY ts_ms`,
		feederID, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTelemetryRows(rows)
}

func scanTelemetryRows(rows pgx.Rows) ([]domain.TelemetryRow, error) {
	var out []domain.TelemetryRow
	for rows.Next() {
		var r domain.TelemetryRow
		if err := rows.Scan(&r.MessageID, &r.DeviceID, &r.DeviceType, &r.TsMs, &r.SentAtMs, &r.PowerKw, &r.Soc, &r.SiteID, &r.FeederID, &r.Source, &r.MessageVersion); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Events ---

func (s *Store) CurrentLimit(ctx context.Context, now time.Time, feederID string) (float64, error) {
	ev, err := s.ActiveEvent(ctx, now, feederID)
	if err != nil {
		return 0, err
	}
	if ev == nil {
		return 0, pgx.ErrNoRows
	}
	return ev.LimitKw, nil
}

func (s *Store) ActiveEvent(ctx context.Context, now time.Time, feederID string) (*domain.LimitEvent, error) {
	var e domain.LimitEvent
	err := s.pool.QueryRow(ctx, `
		SELECT event_id, feeder_id, ts_start, ts_end, limit_kw, event_type
		FROM limit_events
		WHERE feeder_id = $1 AND ts_start <= $2 AND ts_end > $2
		ORDER BY ts_start DESC LIMIT 1`, feederID, now).
		Scan(&e.ID, &e.FeederID, &e.TsStart, &e.TsEnd, &e.LimitKw, &e.Type)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// --- DR Programs ---

func (s *Store) ActiveProgram(ctx context.Context, now time.Time, feederID string) (*domain.DRProgram, error) {
	var p domain.DRProgram
	err := s.pool.QueryRow(ctx, `
		SELECT program_id, name, mode, ts_start, ts_end, target_shed_kw, incentive_per_kwh, penalty_per_kwh, is_active
		FROM dr_programs
		WHERE is_active = true AND ts_start <= $1 AND ts_end > $1
		ORDER BY ts_start DESC LIMIT 1`, now).
		Scan(&p.ID, &p.Name, &p.Mode, &p.TsStart, &p.TsEnd, &p.TargetShedKw, &p.IncentivePerKwh, &p.PenaltyPerKwh, &p.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) Create(ctx context.Context, program domain.DRProgram) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dr_programs (program_id, name, mode, ts_start, ts_end, target_shed_kw, incentive_per_kwh, penalty_per_kwh, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		program.ID, program.Name, program.Mode, program.TsStart, program.TsEnd,
		program.TargetShedKw, program.IncentivePerKwh, program.PenaltyPerKwh, program.IsActive)
	return err
}

// Update writes program. When program.IsActive is true, every other
// program is deactivated in the same transaction.
func (s *Store) Update(ctx context.Context, program domain.DRProgram) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if program.IsActive {
		if _, err := tx.Exec(ctx, `UPDATE dr_programs SET is_active = false WHERE program_id != $1`, program.ID); err != nil {
			return err
		}
	}
	_, err = tx.Exec(ctx, `
		UPDATE dr_programs SET name=$2, mode=$3, ts_start=$4, ts_end=$5, target_shed_kw=$6,
			incentive_per_kwh=$7, penalty_per_kwh=$8, is_active=$9
		WHERE program_id = $1`,
		program.ID, program.Name, program.Mode, program.TsStart, program.TsEnd,
		program.TargetShedKw, program.IncentivePerKwh, program.PenaltyPerKwh, program.IsActive)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Get(ctx context.Context, id string) (domain.DRProgram, bool, error) {
	var p domain.DRProgram
	err := s.pool.QueryRow(ctx, `
		SELECT program_id, name, mode, ts_start, ts_end, target_shed_kw, incentive_per_kwh, penalty_per_kwh, is_active
		FROM dr_programs WHERE program_id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Mode, &p.TsStart, &p.TsEnd, &p.TargetShedKw, &p.IncentivePerKwh, &p.PenaltyPerKwh, &p.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DRProgram{}, false, nil
	}
	if err != nil {
		return domain.DRProgram{}, false, err
	}
	return p, true, nil
}

func (s *Store) listPrograms(ctx context.Context) ([]domain.DRProgram, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT program_id, name, mode, ts_start, ts_end, target_shed_kw, incentive_per_kwh, penalty_per_kwh, is_active
		FROM dr_programs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.DRProgram
	for rows.Next() {
		var p domain.DRProgram
		if err := rows.Scan(&p.ID, &p.Name, &p.Mode, &p.TsStart, &p.TsEnd, &p.TargetShedKw, &p.IncentivePerKwh, &p.PenaltyPerKwh, &p.IsActive); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Decision records ---

func (s *Store) Write(ctx context.Context, record domain.Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO decision_records (cycle_id, started_at_ms, finished_at_ms, publish_ok, publish_failed, error, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		record.CycleID, record.StartedAtMs, record.FinishedAtMs, record.PublishOK, record.PublishFailed, record.Error, payload)
	return err
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
