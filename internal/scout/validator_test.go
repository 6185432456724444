package scout

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/meridian/internal/planmodel"
)

func TestValidatorAdapterParsesVerdict(t *testing.T) {
	fp := &fakeProvider{name: "openai", response: `{"verdict":"approve","reasoning":"looks fine","perStep":{"s1":"ok"}}`}
	va := NewValidatorAdapter(fp)

	require.Equal(t, "openai", va.Provider())

	verdict, err := va.Validate(context.Background(), planmodel.StrippedPlan{}, map[string]any{"trustProfile": "balanced"})
	require.NoError(t, err)
	require.Equal(t, "approve", verdict.Verdict)
	require.Equal(t, "ok", verdict.PerStep["s1"])
}

func TestValidatorAdapterRejectsUnrecognizedVerdict(t *testing.T) {
	fp := &fakeProvider{name: "openai", response: `{"verdict":"maybe","reasoning":"unsure"}`}
	va := NewValidatorAdapter(fp)

	_, err := va.Validate(context.Background(), planmodel.StrippedPlan{}, nil)
	require.Error(t, err)
}

func TestValidatorAdapterRejectsNonJSONReply(t *testing.T) {
	fp := &fakeProvider{name: "openai", response: "I approve of this plan."}
	va := NewValidatorAdapter(fp)

	_, err := va.Validate(context.Background(), planmodel.StrippedPlan{}, nil)
	require.Error(t, err)
}
