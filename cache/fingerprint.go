package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/tierflow/tierflow/core"
)

// maxTokensBucket is the rounding granularity for the max_tokens
// component of the fingerprint. Near-identical caps hash together so
// trivial budget differences do not fragment the cache.
const maxTokensBucket = 256

// Key identifies the inputs that make two calls interchangeable for
// caching purposes.
type Key struct {
	Prompt       string
	SystemPrompt string
	Model        string
	Tier         core.Tier
	Temperature  float64
	TopP         float64
	MaxTokens    int
}

// NormalizePrompt trims the prompt and collapses internal whitespace
// runs to single spaces. Case is preserved: prompts that differ in
// case may legitimately produce different output.
func NormalizePrompt(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// bucketParam rounds a sampling parameter to two decimal places
func bucketParam(v float64) float64 {
	return math.Round(v*100) / 100
}

// bucketMaxTokens rounds a token cap to the nearest bucket boundary
func bucketMaxTokens(n int) int {
	if n <= 0 {
		return 0
	}
	return int(math.Round(float64(n)/maxTokensBucket)) * maxTokensBucket
}

// Fingerprint derives the canonical SHA-256 identity of a key. The
// same logical request always produces the same fingerprint regardless
// of incidental whitespace or sub-bucket parameter jitter.
func Fingerprint(k Key) string {
	h := sha256.New()
	fmt.Fprintf(h, "prompt:%s\n", NormalizePrompt(k.Prompt))
	fmt.Fprintf(h, "system:%s\n", NormalizePrompt(k.SystemPrompt))
	fmt.Fprintf(h, "model:%s\n", k.Model)
	fmt.Fprintf(h, "tier:%s\n", k.Tier.String())
	fmt.Fprintf(h, "temperature:%.2f\n", bucketParam(k.Temperature))
	fmt.Fprintf(h, "top_p:%.2f\n", bucketParam(k.TopP))
	fmt.Fprintf(h, "max_tokens:%d\n", bucketMaxTokens(k.MaxTokens))
	return hex.EncodeToString(h.Sum(nil))
}
