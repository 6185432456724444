package sentinel

import (
	"context"
	"net/url"
	"strings"

	"github.com/antigravity-dev/meridian/internal/store"
)

// Memory wraps the decisions table with the scope-matching grammar
// Sentinel owns: file path prefix/glob, network host or URL prefix,
// financial counterparty string match.
type Memory struct {
	store *store.Store
}

func NewMemory(s *store.Store) *Memory {
	return &Memory{store: s}
}

// Target describes what a step acts on, extracted from its parameters by
// the caller (Sentinel's main algorithm) before a memory lookup.
type Target struct {
	FilePath    string
	URL         string
	Host        string
	Counterparty string
}

// FindMatch looks up the most recent non-expired decision for actionType
// whose scope matches target, per the matching rule appropriate to
// actionType's target kind.
func (m *Memory) FindMatch(ctx context.Context, actionType ActionType, now string, target Target) (*store.Decision, error) {
	return m.store.FindMatch(ctx, string(actionType), now, func(scope string) bool {
		return scopeMatches(actionType, scope, target)
	})
}

func scopeMatches(actionType ActionType, scope string, target Target) bool {
	switch actionType {
	case ActionReadFiles, ActionWriteFiles, ActionDeleteFiles:
		return filePrefixOrGlobMatch(scope, target.FilePath)
	case ActionNetworkGet, ActionNetworkMutate:
		return networkScopeMatch(scope, target)
	case ActionFinancialTransaction:
		return target.Counterparty != "" && strings.EqualFold(scope, target.Counterparty)
	default:
		return scope == target.FilePath || scope == target.URL || scope == target.Host || scope == target.Counterparty
	}
}

// filePrefixOrGlobMatch treats scope as either a plain path prefix or, if
// it contains a '*', a single-segment glob (filepath.Match semantics
// without pulling in the path/filepath package's OS-specific separator
// handling, since scopes are stored as forward-slash strings regardless
// of host OS).
func filePrefixOrGlobMatch(scope, path string) bool {
	if path == "" {
		return false
	}
	if strings.Contains(scope, "*") {
		return globMatch(scope, path)
	}
	return strings.HasPrefix(path, scope)
}

func globMatch(pattern, s string) bool {
	// simple '*' wildcard matcher: split on '*' and require the pieces to
	// appear in order, with the first/last anchored unless the pattern
	// itself starts/ends with '*'.
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}
	last := parts[len(parts)-1]
	return strings.HasSuffix(s, last)
}

func networkScopeMatch(scope string, target Target) bool {
	if target.URL != "" && strings.HasPrefix(target.URL, scope) {
		return true
	}
	host := target.Host
	if host == "" && target.URL != "" {
		if u, err := url.Parse(target.URL); err == nil {
			host = u.Host
		}
	}
	if host == "" {
		return false
	}
	scopeHost := scope
	if u, err := url.Parse(scope); err == nil && u.Host != "" {
		scopeHost = u.Host
	}
	return strings.EqualFold(host, scopeHost) || strings.HasSuffix(strings.ToLower(host), "."+strings.ToLower(scopeHost))
}

// ExtractTarget derives a Target from a step's action type and raw
// parameters for memory lookup purposes. Unknown shapes yield a zero
// Target, which simply never matches any stored scope.
func ExtractTarget(actionType ActionType, params map[string]any) Target {
	var t Target
	switch actionType {
	case ActionReadFiles, ActionWriteFiles, ActionDeleteFiles:
		if p, ok := stringField(params, "path", "filePath", "file"); ok {
			t.FilePath = p
		}
	case ActionNetworkGet, ActionNetworkMutate:
		if u, ok := stringField(params, "url", "endpoint"); ok {
			t.URL = u
			if parsed, err := url.Parse(u); err == nil {
				t.Host = parsed.Host
			}
		}
		if h, ok := stringField(params, "host"); ok && t.Host == "" {
			t.Host = h
		}
	case ActionFinancialTransaction:
		if c, ok := stringField(params, "counterparty", "payee", "recipient"); ok {
			t.Counterparty = c
		}
	}
	return t
}

func stringField(params map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := params[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}
