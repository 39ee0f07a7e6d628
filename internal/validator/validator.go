// Package validator implements the synchronous request-field checks from
// spec §4.9: a whitelist + length + attack-pattern pipeline run before a
// request is allowed to consume cache, rate-limit, or provider capacity.
package validator

import (
	"regexp"
	"strings"

	"github.com/howard-nolan/llmrouter/internal/gateway"
	"github.com/howard-nolan/llmrouter/internal/stageerr"
)

const (
	minQueryLen = 1
	maxQueryLen = 10_000
)

// attackPatterns mirrors spec §4.9's enumerated set: script injection, SQL
// markers, path traversal, and command chaining. Compiled once at package
// init since none of these depend on configuration.
var attackPatterns = []*regexp.Regexp{
	// script injection
	regexp.MustCompile(`(?i)<script`),
	regexp.MustCompile(`(?i)onerror\s*=`),
	regexp.MustCompile(`(?i)onclick\s*=`),
	regexp.MustCompile(`(?i)javascript:`),
	// SQL markers
	regexp.MustCompile(`(?i)drop\s+table`),
	regexp.MustCompile(`(?i)delete\s+from`),
	regexp.MustCompile(`(?i)union\s+select`),
	regexp.MustCompile(`--\s*$`),
	regexp.MustCompile(`(?i)'\s*or\s*'1'\s*=\s*'1'`),
	// path traversal
	regexp.MustCompile(`\.\.[\\/]`),
	regexp.MustCompile(`(?i)(/etc/passwd|/etc/shadow|C:\\Windows\\System32)`),
	// command chaining
	regexp.MustCompile(`;\s*rm\s+-rf`),
	regexp.MustCompile(`\|\s*cat\b`),
	regexp.MustCompile(`&&`),
	regexp.MustCompile("`[^`]+`"),
}

// Config is the whitelist the validator checks requests against. The model
// whitelist maps each recognized model to the set of providers that may
// serve it (empty set means "any registered provider").
type Config struct {
	Models           map[string][]string
	ProviderWhitelist map[string]bool
}

// Validator runs the pipeline described in spec §4.9.
type Validator struct {
	cfg Config
}

func New(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// Validate runs every check in order and returns the first failure. On
// success it returns a copy of req with Provider normalized to lowercase,
// per spec §4.9's "normalized to lowercase in place".
func (v *Validator) Validate(req gateway.Request) (gateway.Request, *stageerr.Error) {
	trimmed := strings.TrimSpace(req.Query)
	if trimmed == "" {
		return req, stageerr.New(stageerr.KindValidation, "query must not be empty")
	}
	if len(req.Query) < minQueryLen || len(req.Query) > maxQueryLen {
		return req, stageerr.Newf(stageerr.KindValidation,
			"query length %d out of bounds [%d, %d]", len(req.Query), minQueryLen, maxQueryLen)
	}

	for _, pattern := range attackPatterns {
		if pattern.MatchString(req.Query) {
			preview := req.Query
			if len(preview) > 100 {
				preview = preview[:100]
			}
			return req, stageerr.New(stageerr.KindSecurity,
				"query matched a disallowed pattern").WithDetails(map[string]any{
				"user_id": req.UserID,
				"preview": preview,
			})
		}
	}

	if req.Model == "" {
		return req, stageerr.New(stageerr.KindValidation, "model must not be empty")
	}
	compatibleProviders, known := v.cfg.Models[req.Model]
	if !known {
		return req, stageerr.Newf(stageerr.KindValidation, "model %q is not recognized", req.Model)
	}

	if req.Provider != "" {
		normalized := strings.ToLower(req.Provider)
		if !v.cfg.ProviderWhitelist[normalized] {
			return req, stageerr.Newf(stageerr.KindValidation, "provider %q is not recognized", req.Provider)
		}
		if len(compatibleProviders) > 0 && !contains(compatibleProviders, normalized) {
			return req, stageerr.Newf(stageerr.KindValidation,
				"model %q is not served by provider %q", req.Model, normalized)
		}
		req.Provider = normalized
	}

	return req, nil
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
