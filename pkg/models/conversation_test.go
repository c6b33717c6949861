package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func actionWithRisk(risk SecurityRisk) *ActionEvent {
	return &ActionEvent{
		BaseEvent:    NewBase(KindAction, SourceAgent),
		ToolName:     "bash",
		SecurityRisk: risk,
	}
}

func TestShouldConfirm(t *testing.T) {
	tests := []struct {
		name   string
		policy ConfirmationPolicy
		batch  []*ActionEvent
		want   bool
	}{
		{
			name:   "never",
			policy: ConfirmationPolicy{Kind: ConfirmNever},
			batch:  []*ActionEvent{actionWithRisk(RiskHigh)},
			want:   false,
		},
		{
			name:   "always",
			policy: ConfirmationPolicy{Kind: ConfirmAlways},
			batch:  []*ActionEvent{actionWithRisk(RiskLow)},
			want:   true,
		},
		{
			name:   "risky below default threshold",
			policy: ConfirmationPolicy{Kind: ConfirmRisky},
			batch:  []*ActionEvent{actionWithRisk(RiskMedium)},
			want:   false,
		},
		{
			name:   "risky at default threshold",
			policy: ConfirmationPolicy{Kind: ConfirmRisky},
			batch:  []*ActionEvent{actionWithRisk(RiskHigh)},
			want:   true,
		},
		{
			name:   "risky with lowered threshold",
			policy: ConfirmationPolicy{Kind: ConfirmRisky, Threshold: RiskMedium},
			batch:  []*ActionEvent{actionWithRisk(RiskMedium)},
			want:   true,
		},
		{
			name:   "risky one risky action in batch",
			policy: ConfirmationPolicy{Kind: ConfirmRisky},
			batch:  []*ActionEvent{actionWithRisk(RiskLow), actionWithRisk(RiskHigh)},
			want:   true,
		},
		{
			name:   "unknown risk does not trigger",
			policy: ConfirmationPolicy{Kind: ConfirmRisky},
			batch:  []*ActionEvent{actionWithRisk(RiskUnknown)},
			want:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.ShouldConfirm(tt.batch))
		})
	}
}

func TestConfirmationPolicyValidate(t *testing.T) {
	assert.NoError(t, ConfirmationPolicy{Kind: ConfirmNever}.Validate())
	assert.NoError(t, ConfirmationPolicy{}.Validate())
	assert.Error(t, ConfirmationPolicy{Kind: "sometimes"}.Validate())
}

func TestExecutionStatusIsTerminal(t *testing.T) {
	assert.True(t, StatusFinished.IsTerminal())
	assert.True(t, StatusError.IsTerminal())
	assert.False(t, StatusIdle.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusPaused.IsTerminal())
	assert.False(t, StatusWaitingForConfirmation.IsTerminal())
}

func TestUsageMetricsAdd(t *testing.T) {
	var u UsageMetrics
	u.Add(100, 20)
	u.Add(50, 10)
	assert.Equal(t, int64(150), u.PromptTokens)
	assert.Equal(t, int64(30), u.CompletionTokens)
	assert.Equal(t, int64(180), u.TotalTokens)
	assert.Equal(t, int64(2), u.LLMCalls)
}
