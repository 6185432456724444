package scout

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/antigravity-dev/meridian/internal/planmodel"
	"github.com/antigravity-dev/meridian/internal/sentinel"
)

// ValidatorAdapter implements sentinel.Validator on top of a Provider,
// giving Sentinel the independent safety-review LLM call it needs.
// Construct it with a provider different from Scout's planner where
// possible; Sentinel itself detects and warns on coincidence.
type ValidatorAdapter struct {
	provider Provider
}

func NewValidatorAdapter(provider Provider) *ValidatorAdapter {
	return &ValidatorAdapter{provider: provider}
}

func (v *ValidatorAdapter) Provider() string { return v.provider.Name() }

func (v *ValidatorAdapter) Validate(ctx context.Context, plan planmodel.StrippedPlan, policyContext map[string]any) (sentinel.ValidatorVerdict, error) {
	system := composeValidatorPrompt(policyContext)

	body, err := json.Marshal(plan)
	if err != nil {
		return sentinel.ValidatorVerdict{}, fmt.Errorf("scout: marshal stripped plan: %w", err)
	}

	raw, err := v.provider.Complete(ctx, system, []rawMessage{{Role: "user", Content: string(body)}})
	if err != nil {
		return sentinel.ValidatorVerdict{}, fmt.Errorf("scout: validator completion: %w", err)
	}

	candidate, ok := extractJSONObject(strings.TrimSpace(raw))
	if !ok {
		return sentinel.ValidatorVerdict{}, fmt.Errorf("scout: validator reply is not a JSON object")
	}

	var verdict sentinel.ValidatorVerdict
	if err := json.Unmarshal([]byte(candidate), &verdict); err != nil {
		return sentinel.ValidatorVerdict{}, fmt.Errorf("scout: validator reply does not match schema: %w", err)
	}
	switch verdict.Verdict {
	case "approve", "revise", "reject":
	default:
		return sentinel.ValidatorVerdict{}, fmt.Errorf("scout: validator returned unrecognized verdict %q", verdict.Verdict)
	}
	return verdict, nil
}

func composeValidatorPrompt(policyContext map[string]any) string {
	var b strings.Builder
	b.WriteString("You are Meridian's independent safety validator. ")
	b.WriteString("You receive a stripped execution plan (steps only, no planner reasoning) and judge it on its own merits.\n\n")
	if profile, ok := policyContext["trustProfile"]; ok {
		fmt.Fprintf(&b, "Configured trust profile: %v\n", profile)
	}
	b.WriteString("Reply with a single JSON object: {\"verdict\":\"approve|revise|reject\",\"reasoning\":\"string\",\"perStep\":{\"stepId\":\"note\"}}.\n")
	b.WriteString("perStep is optional. Respond with the JSON object only, no surrounding prose.\n")
	return b.String()
}
