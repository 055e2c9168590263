package allocator

import (
	"math"
	"testing"
)

func floatPtr(f float64) *float64 { return &f }

func baseParams() Params {
	return Params{
		MinSocReserve:    0.2,
		TargetSoc:        0.9,
		RespectPriority:  true,
		SocWeight:        1.0,
		Mode:             ModeHeuristic,
		EnforceTargetSoc: true,
	}
}

func sum(m map[string]float64) float64 {
	var total float64
	for _, v := range m {
		total += v
	}
	return total
}

func TestAllocate_EmptyDeviceSet(t *testing.T) {
	out := Allocate(nil, 10, baseParams())
	if len(out) != 0 {
		t.Fatalf("expected empty map, got %v", out)
	}
}

func TestAllocate_NonPositiveAvailableYieldsZero(t *testing.T) {
	devices := []DeviceInput{{ID: "ev-1", PMaxKw: 10, Priority: 1, Soc: floatPtr(0.3)}}
	for _, avail := range []float64{0, -5} {
		out := Allocate(devices, avail, baseParams())
		if out["ev-1"] != 0 {
			t.Fatalf("availableKw=%v: expected 0, got %v", avail, out["ev-1"])
		}
	}
}

func TestAllocate_PMaxZeroAlwaysZero(t *testing.T) {
	devices := []DeviceInput{{ID: "ev-1", PMaxKw: 0, Priority: 1, Soc: floatPtr(0.1)}}
	out := Allocate(devices, 50, baseParams())
	if out["ev-1"] != 0 {
		t.Fatalf("expected 0 for pMaxKw=0, got %v", out["ev-1"])
	}
}

func TestAllocate_CapRespect(t *testing.T) {
	devices := []DeviceInput{
		{ID: "ev-1", PMaxKw: 10, Priority: 1, Soc: floatPtr(0.1)},
		{ID: "ev-2", PMaxKw: 3, Priority: 1, Soc: floatPtr(0.1)},
	}
	out := Allocate(devices, 100, baseParams())
	for _, d := range devices {
		if out[d.ID] < 0 || out[d.ID] > d.PMaxKw+Epsilon {
			t.Fatalf("device %s allocated %v exceeds pMaxKw %v", d.ID, out[d.ID], d.PMaxKw)
		}
	}
}

func TestAllocate_LimitRespect(t *testing.T) {
	devices := []DeviceInput{
		{ID: "ev-1", PMaxKw: 10, Priority: 1, Soc: floatPtr(0.3)},
		{ID: "ev-2", PMaxKw: 6, Priority: 1, Soc: floatPtr(0.5)},
	}
	available := 10.0
	out := Allocate(devices, available, baseParams())
	if sum(out) > available+Epsilon {
		t.Fatalf("sum of allocations %v exceeds availableKw %v", sum(out), available)
	}
}

func TestAllocate_PrefersLargerSocGap(t *testing.T) {
	devices := []DeviceInput{
		{ID: "ev-1", PMaxKw: 10, Priority: 1, Soc: floatPtr(0.3)},
		{ID: "ev-2", PMaxKw: 10, Priority: 1, Soc: floatPtr(0.8)},
	}
	out := Allocate(devices, 10, baseParams())
	if out["ev-1"] <= out["ev-2"] {
		t.Fatalf("expected ev-1 (larger soc gap) to receive more: ev-1=%v ev-2=%v", out["ev-1"], out["ev-2"])
	}
}

func TestAllocate_SocGateOptimizer(t *testing.T) {
	params := baseParams()
	params.Mode = ModeOptimizer
	params.EnforceTargetSoc = true
	devices := []DeviceInput{
		{ID: "ev-1", PMaxKw: 10, Priority: 1, Soc: floatPtr(0.95)},
		{ID: "ev-2", PMaxKw: 10, Priority: 1, Soc: floatPtr(0.3)},
	}
	out := Allocate(devices, 10, params)
	if out["ev-1"] != 0 {
		t.Fatalf("device at/above targetSoc must receive 0, got %v", out["ev-1"])
	}
}

func TestAllocate_UnknownSocTreatedAsWorstCase(t *testing.T) {
	devices := []DeviceInput{
		{ID: "ev-1", PMaxKw: 10, Priority: 1, Soc: nil},
		{ID: "ev-2", PMaxKw: 10, Priority: 1, Soc: floatPtr(0.9)},
	}
	out := Allocate(devices, 10, baseParams())
	if out["ev-1"] <= out["ev-2"] {
		t.Fatalf("unknown soc should be treated more favorably than soc at target: ev-1=%v ev-2=%v", out["ev-1"], out["ev-2"])
	}
}

func TestAllocate_Determinism(t *testing.T) {
	devices := []DeviceInput{
		{ID: "ev-2", PMaxKw: 10, Priority: 2, Soc: floatPtr(0.4)},
		{ID: "ev-1", PMaxKw: 8, Priority: 1, Soc: floatPtr(0.2)},
		{ID: "bat-1", PMaxKw: 5, Priority: 3, Soc: floatPtr(0.6)},
	}
	params := baseParams()
	first := Allocate(devices, 12, params)
	for i := 0; i < 5; i++ {
		again := Allocate(devices, 12, params)
		for id, v := range first {
			if math.Abs(again[id]-v) > 1e-12 {
				t.Fatalf("non-deterministic allocation for %s: %v vs %v", id, v, again[id])
			}
		}
	}
}

func TestAllocate_GlobalKwLimitClamps(t *testing.T) {
	devices := []DeviceInput{{ID: "ev-1", PMaxKw: 100, Priority: 1, Soc: floatPtr(0.1)}}
	params := baseParams()
	params.GlobalKwLimit = 5
	out := Allocate(devices, 50, params)
	if out["ev-1"] > 5+Epsilon {
		t.Fatalf("expected global limit to clamp allocation to 5, got %v", out["ev-1"])
	}
}
