package telemetry

import (
	"time"

	"github.com/tierflow/tierflow/core"
)

// TierStats aggregates calls and cost for one tier
type TierStats struct {
	Calls      int64 `json:"calls"`
	CostMicros int64 `json:"cost_micros"`
}

// Stats summarizes ledger activity over a window
type Stats struct {
	Entries       int64                `json:"entries"`
	ByTier        map[string]TierStats `json:"by_tier"`
	CacheHitRate  float64              `json:"cache_hit_rate"`
	AvgDurationMs float64              `json:"avg_duration_ms"`
	TotalMicros   int64                `json:"total_cost_micros"`
}

// Savings compares actual spend against the PREMIUM counterfactual:
// what the same recorded token volumes would have cost at the most
// expensive PREMIUM rate.
type Savings struct {
	BaselineMicros    int64   `json:"baseline_cost_micros"`
	ActualMicros      int64   `json:"actual_cost_micros"`
	AbsoluteMicros    int64   `json:"absolute_savings_micros"`
	PercentSavings    float64 `json:"percent_savings"`
	CacheSavingsMicros int64  `json:"cache_savings_micros"`
}

// Recent returns up to n entries, newest first, scanning the active
// file and then rotated files.
func (l *Ledger) Recent(n int) []Entry {
	if n <= 0 {
		return nil
	}
	var out []Entry
	for _, path := range l.ledgerFiles() {
		entries := l.readFile(path)
		// lines within a file are oldest first
		for i := len(entries) - 1; i >= 0 && len(out) < n; i-- {
			out = append(out, entries[i])
		}
		if len(out) >= n {
			break
		}
	}
	return out
}

// window of zero means all recorded history
func (l *Ledger) entriesInWindow(window time.Duration) []Entry {
	var cutoff time.Time
	if window > 0 {
		cutoff = l.now().UTC().Add(-window)
	}
	var out []Entry
	for _, path := range l.ledgerFiles() {
		for _, e := range l.readFile(path) {
			if !cutoff.IsZero() && e.Timestamp.Before(cutoff) {
				continue
			}
			out = append(out, e)
		}
	}
	return out
}

// Stats aggregates entries within the window
func (l *Ledger) Stats(window time.Duration) Stats {
	stats := Stats{ByTier: make(map[string]TierStats)}

	var hits, totalDurationMs int64
	for _, e := range l.entriesInWindow(window) {
		stats.Entries++
		micros := e.CostMicros()
		stats.TotalMicros += micros

		ts := stats.ByTier[e.Tier.String()]
		ts.Calls++
		ts.CostMicros += micros
		stats.ByTier[e.Tier.String()] = ts

		if e.Cache.Hit {
			hits++
		}
		totalDurationMs += e.DurationMs
	}

	if stats.Entries > 0 {
		stats.CacheHitRate = float64(hits) / float64(stats.Entries)
		stats.AvgDurationMs = float64(totalDurationMs) / float64(stats.Entries)
	}
	return stats
}

// ComputeSavings evaluates the window against the PREMIUM baseline
// taken from the registry. Cache savings count what cache-hit calls
// would have cost at their recorded model's rate (PREMIUM rate when
// the model is no longer registered).
func (l *Ledger) ComputeSavings(window time.Duration, registry *core.ModelRegistry) Savings {
	premIn, premOut := registry.PremiumRateMicrosPerM()

	var s Savings
	for _, e := range l.entriesInWindow(window) {
		baseline := tokenCost(e.Tokens, premIn, premOut)
		s.BaselineMicros += baseline
		s.ActualMicros += e.CostMicros()

		if e.Cache.Hit {
			if desc, err := registry.Get(e.Model); err == nil {
				s.CacheSavingsMicros += desc.CostMicros(e.Tokens.Input, e.Tokens.Output)
			} else {
				s.CacheSavingsMicros += baseline
			}
		}
	}

	s.AbsoluteMicros = s.BaselineMicros - s.ActualMicros
	if s.BaselineMicros > 0 {
		s.PercentSavings = float64(s.AbsoluteMicros) / float64(s.BaselineMicros)
	}
	return s
}

// tokenCost mirrors ModelDescriptor.CostMicros: rates are micro-units
// per million tokens, so the divisor is the per-million token basis.
func tokenCost(tokens TokenCounts, inRateMicrosPerM, outRateMicrosPerM int64) int64 {
	return tokens.Input*inRateMicrosPerM/1_000_000 +
		tokens.Output*outRateMicrosPerM/1_000_000
}
