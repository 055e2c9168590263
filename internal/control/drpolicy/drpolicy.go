// Package drpolicy implements the pure transform from raw feeder
// headroom to effective headroom under an active demand-response
// program — no I/O, mirroring allocator's pure-function shape.
package drpolicy

import (
	"time"

	"github.com/ceh6514/derms-feeder-controller/internal/domain"
)

// Result is the outcome of applying a DR program to raw headroom.
type Result struct {
	AdjustedAvailableKw float64
	ReasonCode          domain.ReasonCode // "" if the program had no effect
}

// Params carries the config-derived elasticity coefficients for
// price_elastic mode.
type Params struct {
	KBoost float64
	KShed  float64
}

// Apply transforms rawHeadroomKw into effective headroom given program
// (nil if none) and now. The result is never negative.
func Apply(program *domain.DRProgram, rawHeadroomKw float64, now time.Time, params Params) Result {
	if program == nil || !program.Effective(now) {
		return Result{AdjustedAvailableKw: clampNonNegative(rawHeadroomKw)}
	}

	switch program.Mode {
	case domain.DRModeFixedCap:
		adjusted := rawHeadroomKw - program.TargetShedKw
		return Result{AdjustedAvailableKw: clampNonNegative(adjusted), ReasonCode: domain.ReasonDRShed}

	case domain.DRModePriceElastic:
		factor := clip(program.IncentivePerKwh*params.KBoost-program.PenaltyPerKwh*params.KShed, -1, 1)
		adjusted := rawHeadroomKw * (1 + factor)
		reason := domain.ReasonDRBoost
		if factor < 0 {
			reason = domain.ReasonDRShed
		}
		return Result{AdjustedAvailableKw: clampNonNegative(adjusted), ReasonCode: reason}

	default:
		return Result{AdjustedAvailableKw: clampNonNegative(rawHeadroomKw)}
	}
}

func clampNonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
