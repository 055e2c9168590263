package drpolicy

import (
	"testing"
	"time"

	"github.com/ceh6514/derms-feeder-controller/internal/domain"
)

func TestApply_NoProgramPassesThrough(t *testing.T) {
	now := time.Now()
	result := Apply(nil, 10, now, Params{})
	if result.AdjustedAvailableKw != 10 {
		t.Fatalf("expected passthrough, got %v", result.AdjustedAvailableKw)
	}
	if result.ReasonCode != "" {
		t.Fatalf("expected no reason code, got %v", result.ReasonCode)
	}
}

func TestApply_OutOfWindowPassesThrough(t *testing.T) {
	now := time.Now()
	program := &domain.DRProgram{
		Mode:         domain.DRModeFixedCap,
		TsStart:      now.Add(-2 * time.Hour),
		TsEnd:        now.Add(-time.Hour),
		TargetShedKw: 4,
		IsActive:     true,
	}
	result := Apply(program, 10, now, Params{})
	if result.AdjustedAvailableKw != 10 {
		t.Fatalf("expected passthrough outside window, got %v", result.AdjustedAvailableKw)
	}
}

func TestApply_FixedCapShedsTargetAmount(t *testing.T) {
	now := time.Now()
	program := &domain.DRProgram{
		Mode:         domain.DRModeFixedCap,
		TsStart:      now.Add(-time.Hour),
		TsEnd:        now.Add(time.Hour),
		TargetShedKw: 4,
		IsActive:     true,
	}
	result := Apply(program, 10, now, Params{})
	if result.AdjustedAvailableKw != 6 {
		t.Fatalf("expected 10-4=6, got %v", result.AdjustedAvailableKw)
	}
	if result.ReasonCode != domain.ReasonDRShed {
		t.Fatalf("expected DR_SHED, got %v", result.ReasonCode)
	}
}

func TestApply_FixedCapNeverNegative(t *testing.T) {
	now := time.Now()
	program := &domain.DRProgram{
		Mode:         domain.DRModeFixedCap,
		TsStart:      now.Add(-time.Hour),
		TsEnd:        now.Add(time.Hour),
		TargetShedKw: 50,
		IsActive:     true,
	}
	result := Apply(program, 10, now, Params{})
	if result.AdjustedAvailableKw != 0 {
		t.Fatalf("expected clamp to 0, got %v", result.AdjustedAvailableKw)
	}
}

func TestApply_PriceElasticBoostsOnPositiveIncentive(t *testing.T) {
	now := time.Now()
	program := &domain.DRProgram{
		Mode:            domain.DRModePriceElastic,
		TsStart:         now.Add(-time.Hour),
		TsEnd:           now.Add(time.Hour),
		IncentivePerKwh: 1.0,
		IsActive:        true,
	}
	result := Apply(program, 10, now, Params{KBoost: 0.5, KShed: 0.5})
	if result.AdjustedAvailableKw != 15 {
		t.Fatalf("expected 10*(1+0.5)=15, got %v", result.AdjustedAvailableKw)
	}
	if result.ReasonCode != domain.ReasonDRBoost {
		t.Fatalf("expected DR_BOOST, got %v", result.ReasonCode)
	}
}

func TestApply_PriceElasticShedsOnPenalty(t *testing.T) {
	now := time.Now()
	program := &domain.DRProgram{
		Mode:          domain.DRModePriceElastic,
		TsStart:       now.Add(-time.Hour),
		TsEnd:         now.Add(time.Hour),
		PenaltyPerKwh: 1.0,
		IsActive:      true,
	}
	result := Apply(program, 10, now, Params{KBoost: 0.5, KShed: 0.5})
	if result.AdjustedAvailableKw != 5 {
		t.Fatalf("expected 10*(1-0.5)=5, got %v", result.AdjustedAvailableKw)
	}
	if result.ReasonCode != domain.ReasonDRShed {
		t.Fatalf("expected DR_SHED, got %v", result.ReasonCode)
	}
}

func TestApply_PriceElasticClipsExtremeFactor(t *testing.T) {
	now := time.Now()
	program := &domain.DRProgram{
		Mode:            domain.DRModePriceElastic,
		TsStart:         now.Add(-time.Hour),
		TsEnd:           now.Add(time.Hour),
		IncentivePerKwh: 100,
		IsActive:        true,
	}
	result := Apply(program, 10, now, Params{KBoost: 1, KShed: 1})
	if result.AdjustedAvailableKw != 20 {
		t.Fatalf("expected factor clipped to +1 => 10*2=20, got %v", result.AdjustedAvailableKw)
	}
}
