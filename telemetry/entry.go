package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"time"

	"github.com/tierflow/tierflow/core"
)

// SchemaVersion identifies the ledger line format
const SchemaVersion = "1.0"

// TokenCounts carries per-call token usage
type TokenCounts struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// CacheInfo records how the cache participated in a call. Kind is
// empty for plain misses and one of "exact", "semantic", "coalesced"
// on a hit.
type CacheInfo struct {
	Hit  bool   `json:"hit"`
	Kind string `json:"kind,omitempty"`
}

// Entry is one ledger line. Cost is a decimal in the canonical
// currency unit on the wire; all arithmetic happens in micro-units.
// No prompts, responses, or paths are ever recorded.
type Entry struct {
	Version       string      `json:"v"`
	Timestamp     time.Time   `json:"ts"`
	Workflow      string      `json:"workflow"`
	Stage         string      `json:"stage"`
	Tier          core.Tier   `json:"tier"`
	Model         string      `json:"model"`
	Provider      string      `json:"provider"`
	Cost          float64     `json:"cost"`
	Tokens        TokenCounts `json:"tokens"`
	Cache         CacheInfo   `json:"cache"`
	DurationMs    int64       `json:"duration_ms"`
	UserID        string      `json:"user_id,omitempty"`
	EscalatedFrom string      `json:"escalated_from,omitempty"`
	FallbackChain []string    `json:"fallback_chain,omitempty"`
}

// CostMicros converts the wire-format decimal cost back to micro-units
func (e *Entry) CostMicros() int64 {
	return int64(math.Round(e.Cost * float64(core.MicrosPerUnit)))
}

// SetCostMicros stores a micro-unit cost as the wire-format decimal
func (e *Entry) SetCostMicros(micros int64) {
	e.Cost = float64(micros) / float64(core.MicrosPerUnit)
}

// HashUserID reduces a raw user identifier to a 16-hex-char SHA-256
// truncation. An empty identifier stays empty.
func HashUserID(raw string) string {
	if raw == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:16]
}
