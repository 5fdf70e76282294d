// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"regexp"
	"strings"
)

// MaskToken replaces sensitive values in redacted output.
const MaskToken = "***"

// =============================================================================
// Redaction Rules
// =============================================================================

// Rule is a single pattern-based redaction applied to string values.
//
// Rules run in the order they are registered. Replace may use $1/$2
// capture references. Every rule must be a fixed point: applying it to
// its own output yields the same string, so the full rule set is
// idempotent (redact(redact(x)) == redact(x)).
type Rule struct {
	Pattern *regexp.Regexp
	Replace string
}

// DefaultRules returns the standard rule set for assistant-gateway
// payloads, ordered from most to least specific.
//
// Covered shapes:
//   - api_key / token / bearer assignments with values of 20+ chars
//   - Authorization-style "Bearer <token>" strings
//   - password / passwd / pwd assignments
//   - ANTHROPIC_API_KEY environment assignments
//   - session identifiers of 10+ chars (first 8 chars kept for correlation)
func DefaultRules() []Rule {
	return []Rule{
		{
			Pattern: regexp.MustCompile(`(?i)(api[_-]?key|token|bearer)\s*[:=]\s*["']?[A-Za-z0-9_\-.]{20,}["']?`),
			Replace: `$1=` + MaskToken,
		},
		{
			Pattern: regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9_\-.=]+`),
			Replace: `Bearer ` + MaskToken,
		},
		{
			Pattern: regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*\S+`),
			Replace: `$1=` + MaskToken,
		},
		{
			Pattern: regexp.MustCompile(`ANTHROPIC_API_KEY["']?\s*[:=]\s*["']?[^"'\s]+`),
			Replace: `ANTHROPIC_API_KEY=` + MaskToken,
		},
		{
			Pattern: regexp.MustCompile(`(?i)(session[_-]?id)\s*[:=]\s*["']?([A-Za-z0-9-]{8})[A-Za-z0-9-]{2,}["']?`),
			Replace: `$1=$2` + MaskToken,
		},
	}
}

// sensitiveKeys are payload field names whose values are masked outright,
// independent of value shape.
var sensitiveKeys = map[string]struct{}{
	"api_key":       {},
	"apikey":        {},
	"authorization": {},
	"password":      {},
	"secret":        {},
	"token":         {},
	"access_token":  {},
	"refresh_token": {},
}

// =============================================================================
// Redactor
// =============================================================================

// Redactor applies an ordered rule set to event payloads before they
// reach any sink.
//
// # Description
//
// Redaction walks payload values recursively: nested maps and slices are
// rebuilt with redacted contents, strings are run through every rule in
// order, and values under known-sensitive keys are replaced with the mask
// token entirely. Inputs are never mutated; callers keep their originals.
//
// # Thread Safety
//
// A Redactor is immutable after construction and safe for concurrent use.
type Redactor struct {
	rules []Rule
}

// NewRedactor builds a Redactor. With no rules it uses DefaultRules.
func NewRedactor(rules ...Rule) *Redactor {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Redactor{rules: rules}
}

// String applies every rule, in order, to s.
func (r *Redactor) String(s string) string {
	for _, rule := range r.rules {
		s = rule.Pattern.ReplaceAllString(s, rule.Replace)
	}
	return s
}

// Payload returns a redacted copy of the payload map. The input map is
// not modified.
func (r *Redactor) Payload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if _, sensitive := sensitiveKeys[strings.ToLower(k)]; sensitive {
			out[k] = MaskToken
			continue
		}
		out[k] = r.Value(v)
	}
	return out
}

// Value redacts a single payload value of any supported shape.
// Unknown scalar types pass through unchanged.
func (r *Redactor) Value(v any) any {
	switch t := v.(type) {
	case string:
		return r.String(t)
	case map[string]any:
		return r.Payload(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = r.Value(item)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, item := range t {
			out[i] = r.String(item)
		}
		return out
	case error:
		return r.String(t.Error())
	default:
		return v
	}
}
