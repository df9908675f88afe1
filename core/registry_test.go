package core

import (
	"errors"
	"testing"
)

func TestModelCostMicros(t *testing.T) {
	desc := &ModelDescriptor{
		ID:                   "m-capable",
		InputCostMicrosPerM:  3_000_000, // 3.00 per million input tokens
		OutputCostMicrosPerM: 15_000_000,
	}

	tests := []struct {
		name     string
		in, out  int64
		want     int64
	}{
		{"zero tokens", 0, 0, 0},
		{"input only", 1_000_000, 0, 3_000_000},
		{"output only", 0, 1_000_000, 15_000_000},
		{"mixed", 1500, 500, 4500 + 7500},
		{"small call truncates", 100, 0, 300},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := desc.CostMicros(tt.in, tt.out); got != tt.want {
				t.Errorf("CostMicros(%d, %d) = %d, want %d", tt.in, tt.out, got, tt.want)
			}
		})
	}
}

func TestRegistryFreezeRejectsLateRegistration(t *testing.T) {
	r := NewModelRegistry(nil)
	if err := r.Register(&ModelDescriptor{ID: "a", Provider: "p", Tier: TierCheap}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Freeze(); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	err := r.Register(&ModelDescriptor{ID: "b", Provider: "p", Tier: TierCheap})
	if err == nil {
		t.Fatal("Register after Freeze succeeded, want error")
	}
}

func TestRegistryDuplicateID(t *testing.T) {
	r := NewModelRegistry(nil)
	if err := r.Register(&ModelDescriptor{ID: "a", Provider: "p", Tier: TierCheap}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(&ModelDescriptor{ID: "a", Provider: "p", Tier: TierCheap}); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("err = %v, want ErrAlreadyRegistered", err)
	}
}

func TestRegistryFreezeValidatesFallbackChains(t *testing.T) {
	r := NewModelRegistry(nil)
	if err := r.Register(&ModelDescriptor{
		ID: "a", Provider: "p", Tier: TierCapable,
		FallbackChain: []string{"missing"},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Freeze(); err == nil {
		t.Fatal("Freeze accepted a dangling fallback chain")
	}
}

func TestRegistryCheapestForTier(t *testing.T) {
	r := NewModelRegistry(nil)
	models := []*ModelDescriptor{
		{ID: "cheap-pricey", Provider: "p", Tier: TierCheap, InputCostMicrosPerM: 500_000, OutputCostMicrosPerM: 1_500_000},
		{ID: "cheap-best", Provider: "p", Tier: TierCheap, InputCostMicrosPerM: 100_000, OutputCostMicrosPerM: 400_000},
		{ID: "premium", Provider: "p", Tier: TierPremium, InputCostMicrosPerM: 15_000_000, OutputCostMicrosPerM: 75_000_000},
	}
	for _, m := range models {
		if err := r.Register(m); err != nil {
			t.Fatalf("Register(%s): %v", m.ID, err)
		}
	}

	best, err := r.CheapestForTier(TierCheap)
	if err != nil {
		t.Fatalf("CheapestForTier: %v", err)
	}
	if best.ID != "cheap-best" {
		t.Errorf("CheapestForTier = %s, want cheap-best", best.ID)
	}

	if _, err := r.CheapestForTier(TierCapable); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("empty tier err = %v, want ErrUnknownModel", err)
	}
}

func TestRegistryPremiumRate(t *testing.T) {
	r := NewModelRegistry(nil)
	if err := r.Register(&ModelDescriptor{
		ID: "prem-a", Provider: "p", Tier: TierPremium,
		InputCostMicrosPerM: 10_000_000, OutputCostMicrosPerM: 30_000_000,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(&ModelDescriptor{
		ID: "prem-b", Provider: "p", Tier: TierPremium,
		InputCostMicrosPerM: 15_000_000, OutputCostMicrosPerM: 75_000_000,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	in, out := r.PremiumRateMicrosPerM()
	if in != 15_000_000 || out != 75_000_000 {
		t.Errorf("PremiumRateMicrosPerM = (%d, %d), want most expensive PREMIUM model", in, out)
	}
}

func TestTierOrderingAndParse(t *testing.T) {
	if !(TierCheap < TierCapable && TierCapable < TierPremium) {
		t.Fatal("tier ordering broken")
	}

	next, ok := TierCapable.Next()
	if !ok || next != TierPremium {
		t.Errorf("TierCapable.Next() = (%v, %v), want (PREMIUM, true)", next, ok)
	}
	if _, ok := TierPremium.Next(); ok {
		t.Error("TierPremium.Next() reported a higher tier")
	}

	for _, s := range []string{"cheap", "CHEAP", " Cheap "} {
		tier, err := ParseTier(s)
		if err != nil || tier != TierCheap {
			t.Errorf("ParseTier(%q) = (%v, %v)", s, tier, err)
		}
	}
	if _, err := ParseTier("ULTRA"); !errors.Is(err, ErrInvalidTier) {
		t.Errorf("ParseTier(ULTRA) err = %v, want ErrInvalidTier", err)
	}
}
