package sentinel

import (
	"encoding/json"
	"strings"
	"unicode"

	"github.com/antigravity-dev/meridian/internal/planmodel"
)

// ActionType is Sentinel's canonical classification of a step's effect
// category.
type ActionType string

const (
	ActionReadFiles           ActionType = "read_files"
	ActionWriteFiles          ActionType = "write_files"
	ActionDeleteFiles         ActionType = "delete_files"
	ActionNetworkGet          ActionType = "network_get"
	ActionNetworkMutate       ActionType = "network_mutate"
	ActionShellExecute        ActionType = "shell_execute"
	ActionCredentialUsage     ActionType = "credential_usage"
	ActionFinancialTransaction ActionType = "financial_transaction"
	ActionSendMessage         ActionType = "send_message"
	ActionSystemConfig        ActionType = "system_config"
	ActionUnknown             ActionType = "unknown"
)

// BaseRisk is the risk level Sentinel assigns before considering any
// divergence from Scout's own estimate.
func BaseRisk(a ActionType) planmodel.RiskLevel {
	switch a {
	case ActionShellExecute, ActionFinancialTransaction, ActionSystemConfig:
		return planmodel.RiskCritical
	case ActionDeleteFiles, ActionNetworkMutate, ActionSendMessage:
		return planmodel.RiskHigh
	case ActionWriteFiles, ActionCredentialUsage:
		return planmodel.RiskMedium
	case ActionReadFiles, ActionNetworkGet:
		return planmodel.RiskLow
	default: // unknown: fail-safe
		return planmodel.RiskHigh
	}
}

var (
	shellTokens      = set("shell", "exec", "execute", "command", "cmd", "bash", "sh", "script", "run")
	credentialTokens = set("credential", "secret", "token", "apikey", "api", "auth", "login", "password", "vault")
	systemTokens     = set("config", "setting", "settings", "system", "admin", "sysadmin", "environment", "env")
	networkTokens    = set("http", "https", "fetch", "request", "call", "api", "web", "url", "webhook", "endpoint")
	deleteTokens     = set("delete", "remove", "rm", "destroy", "purge", "unlink")
	messageTokens    = set("message", "email", "sms", "notify", "notification", "slack", "chat", "dm", "post")
	writeTokens      = set("write", "create", "update", "save", "append", "put", "edit", "modify")
	readTokens       = set("read", "get", "list", "fetch", "view", "query", "show")
	mutateHints      = set("post", "put", "patch", "delete", "mutate", "submit", "send", "create", "update")
	getHints         = set("get", "head", "options", "fetch", "read", "list", "query")
)

func set(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// tokenize splits s on hyphen/underscore boundaries and camelCase
// boundaries, lowercasing each token.
func tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, strings.ToLower(cur.String()))
			cur.Reset()
		}
	}
	runes := []rune(s)
	for i, r := range runes {
		switch {
		case r == '-' || r == '_' || r == '.' || r == ' ':
			flush()
		case unicode.IsUpper(r) && i > 0 && !unicode.IsUpper(runes[i-1]):
			flush()
			cur.WriteRune(r)
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

func anyTokenIn(tokens []string, vocab map[string]bool) bool {
	for _, t := range tokens {
		if vocab[t] {
			return true
		}
	}
	return false
}

// Classify derives an ActionType from gear/action tokens plus parameter
// hints.
func Classify(gear, action string, parameters json.RawMessage) ActionType {
	tokens := append(tokenize(gear), tokenize(action)...)

	params := map[string]any{}
	if len(parameters) > 0 {
		_ = json.Unmarshal(parameters, &params)
	}

	if hasFinancialHint(params) {
		return ActionFinancialTransaction
	}
	if anyTokenIn(tokens, shellTokens) {
		return ActionShellExecute
	}
	if anyTokenIn(tokens, credentialTokens) {
		return ActionCredentialUsage
	}
	if anyTokenIn(tokens, systemTokens) {
		return ActionSystemConfig
	}
	if anyTokenIn(tokens, networkTokens) {
		return classifyNetwork(tokens, params)
	}
	if anyTokenIn(tokens, deleteTokens) {
		return ActionDeleteFiles
	}
	if anyTokenIn(tokens, messageTokens) {
		return ActionSendMessage
	}
	if anyTokenIn(tokens, writeTokens) {
		return ActionWriteFiles
	}
	if anyTokenIn(tokens, readTokens) {
		return ActionReadFiles
	}
	return ActionUnknown
}

func hasFinancialHint(params map[string]any) bool {
	_, hasAmount := params["amount"]
	_, hasCurrency := params["currency"]
	return hasAmount && hasCurrency
}

// classifyNetwork disambiguates network_get vs network_mutate using an
// HTTP method parameter when present, falling back to token hints, and
// defaulting to the higher-risk network_mutate when neither signal is
// available (fail-safe, matching the unknown=high default elsewhere in
// the base-risk table).
func classifyNetwork(tokens []string, params map[string]any) ActionType {
	if m, ok := params["method"].(string); ok {
		switch strings.ToUpper(m) {
		case "GET", "HEAD", "OPTIONS":
			return ActionNetworkGet
		default:
			return ActionNetworkMutate
		}
	}
	if anyTokenIn(tokens, mutateHints) {
		return ActionNetworkMutate
	}
	if anyTokenIn(tokens, getHints) {
		return ActionNetworkGet
	}
	return ActionNetworkMutate
}
