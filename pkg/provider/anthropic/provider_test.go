package anthropic

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/kgextract/pkg/jobstatus"
	"github.com/3leaps/kgextract/pkg/provider"
)

func TestMapState(t *testing.T) {
	tests := []struct {
		name   string
		status string
		want   provider.RemoteState
		local  jobstatus.RunStatus
	}{
		{"in progress", "in_progress", provider.RemoteInProgress, jobstatus.StatusInProgress},
		{"canceling", "canceling", provider.RemoteCancelling, jobstatus.StatusFinalizing},
		{"ended", "ended", provider.RemoteCompleted, jobstatus.StatusCompleted},
		{"unknown", "", provider.RemoteValidating, jobstatus.StatusValidating},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapState(tt.status)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.local, jobstatus.FromRemote(got))
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	require.Error(t, Config{Model: "m"}.Validate())
	require.Error(t, Config{APIKey: "k"}.Validate())
	require.NoError(t, Config{APIKey: "k", Model: "m"}.Validate())
}

func TestMessageParams_Defaults(t *testing.T) {
	p, err := New(Config{APIKey: "k", Model: "base-model"})
	require.NoError(t, err)

	params := p.messageParams(&provider.Request{Prompt: "hi", System: "sys"})
	assert.Equal(t, "base-model", string(params.Model))
	assert.Equal(t, int64(DefaultMaxTokens), params.MaxTokens)
	require.Len(t, params.System, 1)
	assert.Equal(t, "sys", params.System[0].Text)

	esc := p.WithModel("big-model")
	params = esc.messageParams(&provider.Request{Prompt: "hi", MaxTokens: 100})
	assert.Equal(t, "big-model", string(params.Model))
	assert.Equal(t, int64(100), params.MaxTokens)
}

func TestWrapError_FallsBackToMessage(t *testing.T) {
	p, err := New(Config{APIKey: "k", Model: "m"})
	require.NoError(t, err)

	wrapped := p.wrapError("Complete", "", errors.New("status 429 rate_limit_error"))
	assert.True(t, provider.IsThrottled(wrapped))
}
