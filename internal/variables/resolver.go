// Package variables implements the variable resolver (spec component E):
// single-pass substitution of $Kraken.{scope}.{key} tokens, with
// Step > Project > Environment precedence and unknown keys left unchanged.
package variables

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/krakendeploy-com/kraken-agent/internal/model"
)

// Scope is one of the three resolvable scopes, in precedence order
// (highest first).
type Scope string

const (
	ScopeStep        Scope = "Step"
	ScopeProject     Scope = "Project"
	ScopeEnvironment Scope = "Environment"
)

var precedence = []Scope{ScopeStep, ScopeProject, ScopeEnvironment}

const prefix = "$Kraken."

// Resolve substitutes every $Kraken.{scope}.{key} token in script using
// values. The token's own "{scope}.{key}" entry wins when present; otherwise
// the key is looked up in Step > Project > Environment order, then as a
// bare key. It is a
// single pass over token positions in script: replacement values are never
// re-scanned, so substitution cycles cannot occur.
func Resolve(script string, values map[string]model.VariableValue) string {
	var b strings.Builder
	b.Grow(len(script))

	normalized := norm.NFC.String(script)

	i := 0
	for i < len(normalized) {
		idx := strings.Index(normalized[i:], prefix)
		if idx < 0 {
			b.WriteString(normalized[i:])
			break
		}
		start := i + idx
		b.WriteString(normalized[i:start])

		rest := normalized[start+len(prefix):]
		scope, key, consumed, ok := parseToken(rest)
		if !ok {
			b.WriteString(prefix)
			i = start + len(prefix)
			continue
		}
		if resolved, found := lookup(scope, key, values); found {
			b.WriteString(resolved)
		} else {
			b.WriteString(prefix)
			b.WriteString(rest[:consumed])
		}
		i = start + len(prefix) + consumed
	}

	return b.String()
}

// parseToken parses "{scope}.{key}" from the start of s. The key runs until
// whitespace or one of the delimiters " ' ( ) ; $ { }; every other
// character, including dots and '/', is consumed as part of the key.
func parseToken(s string) (scope Scope, key string, consumed int, ok bool) {
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		return "", "", 0, false
	}
	scopeStr := s[:dot]
	var matched Scope
	switch Scope(scopeStr) {
	case ScopeStep:
		matched = ScopeStep
	case ScopeProject:
		matched = ScopeProject
	case ScopeEnvironment:
		matched = ScopeEnvironment
	default:
		return "", "", 0, false
	}

	rest := s[dot+1:]
	end := len(rest)
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '"' || c == '\'' ||
			c == ')' || c == '(' || c == ';' || c == '$' || c == '}' || c == '{' {
			end = i
			break
		}
	}
	keyPart := rest[:end]
	if keyPart == "" {
		return "", "", 0, false
	}
	return matched, keyPart, dot + 1 + end, true
}

func lookup(scope Scope, key string, values map[string]model.VariableValue) (string, bool) {
	if scope != "" {
		if v, ok := values[scopedKey(scope, key)]; ok {
			return v.Value, true
		}
	}
	for _, s := range precedence {
		if v, ok := values[scopedKey(s, key)]; ok {
			return v.Value, true
		}
	}
	if v, ok := values[key]; ok {
		return v.Value, true
	}
	return "", false
}

func scopedKey(scope Scope, key string) string {
	return string(scope) + "." + key
}
