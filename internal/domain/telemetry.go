package domain

// Capabilities describes the optional max charge/discharge/import/export
// bounds reported by a device, independent of its static pMaxKw.
type Capabilities struct {
	MaxChargeKw    *float64
	MaxDischargeKw *float64
	MaxImportKw    *float64
	MaxExportKw    *float64
}

// TelemetrySample is one reading from one device at one instant.
type TelemetrySample struct {
	MessageID    string
	DeviceID     string
	DeviceType   DeviceType
	TsMs         int64
	SentAtMs     *int64
	PowerKw      float64
	Soc          *float64 // 0..1, nil if unreported
	Capabilities *Capabilities
	SiteID       string
	FeederID     string
	Source       string
}

// newnessKey returns a lexicographic (tsMs, sentAtMs) key used to decide
// whether a sample is strictly newer than the latest-per-device marker.
func (t TelemetrySample) newnessKey() (int64, int64) {
	sent := int64(0)
	if t.SentAtMs != nil {
		sent = *t.SentAtMs
	}
	return t.TsMs, sent
}

// NewerThan reports whether t is strictly newer than other by the
// (tsMs, sentAtMs) lexicographic order mandated by spec.
func (t TelemetrySample) NewerThan(other TelemetrySample) bool {
	ta, tb := t.newnessKey()
	oa, ob := other.newnessKey()
	if ta != oa {
		return ta > oa
	}
	return tb > ob
}

// InsertOutcome is the per-row result of a batch insert.
type InsertOutcome string

const (
	InsertOutcomeInserted  InsertOutcome = "inserted"
	InsertOutcomeDuplicate InsertOutcome = "duplicate"
)

// TelemetryRow is the persistence projection of a validated sample, with
// feeder/site resolution and message version already applied.
type TelemetryRow struct {
	MessageID      string
	DeviceID       string
	DeviceType     DeviceType
	TsMs           int64
	SentAtMs       *int64
	PowerKw        float64
	Soc            *float64
	Capabilities   *Capabilities
	SiteID         string
	FeederID       string
	Source         string
	MessageVersion int
}
