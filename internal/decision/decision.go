// Package decision persists and logs the decision record produced at
// the end of every control cycle as an append-only audit event, written
// through the repository rather than held in process memory.
package decision

import (
	"context"
	"encoding/json"
	"log"

	"github.com/ceh6514/derms-feeder-controller/internal/domain"
	"github.com/ceh6514/derms-feeder-controller/internal/repo"
)

// Level selects the structured-logging verbosity for decision records.
type Level string

const (
	LevelInfo  Level = "info"
	LevelDebug Level = "debug"
)

// Recorder writes decision records to the repository and logs a
// structured summary.
type Recorder struct {
	store  repo.DecisionRecords
	level  Level
	logger *log.Logger
}

// NewRecorder constructs a Recorder. A nil logger falls back to
// log.Default().
func NewRecorder(store repo.DecisionRecords, level Level, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.Default()
	}
	return &Recorder{store: store, level: level, logger: logger}
}

// Finalize persists record and logs it. Persistence failures are
// logged but never returned: a decision record is best-effort audit,
// not a correctness dependency of the control loop.
func (r *Recorder) Finalize(ctx context.Context, record domain.Record) {
	if err := r.store.Write(ctx, record); err != nil {
		r.logger.Printf("[decision] failed to persist cycle %s: %v", record.CycleID, err)
	}
	r.log(record)
}

func (r *Recorder) log(record domain.Record) {
	if r.level == LevelDebug {
		raw, err := json.Marshal(record)
		if err != nil {
			r.logger.Printf("[decision] cycle %s marshal error: %v", record.CycleID, err)
			return
		}
		r.logger.Printf("[decision] cycle %s: %s", record.CycleID, raw)
		return
	}
	r.logger.Printf("[decision] cycle %s durationMs=%d feeders=%d publishOk=%d publishFailed=%d error=%q",
		record.CycleID, record.DurationMs(), len(record.Feeders), record.PublishOK, record.PublishFailed, record.Error)
}
