package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/howard-nolan/llmrouter/internal/gateway"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// normalizeQuery lowercases and collapses whitespace runs so that "Hello   World"
// and "hello world" share a fingerprint, per spec §4.3.
func normalizeQuery(q string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(strings.ToLower(q), " "))
}

// Fingerprint computes the deterministic cache key for a request: a SHA-256
// digest of the normalized (query, model, provider, generation params)
// tuple (spec §4.3 and §3's CacheEntry key definition).
func Fingerprint(req gateway.Request) string {
	material := fmt.Sprintf("%s\x00%s\x00%s\x00%.4f\x00%d",
		normalizeQuery(req.Query), req.Model, req.Provider,
		req.Params.Temperature, req.Params.MaxTokens)
	sum := sha256.Sum256([]byte(material))
	return "cache:" + hex.EncodeToString(sum[:])
}
