package provider_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/kgextract/pkg/provider"
	"github.com/3leaps/kgextract/pkg/provider/providertest"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{429, provider.ErrThrottled},
		{529, provider.ErrProviderUnavailable},
		{401, provider.ErrInvalidCredentials},
		{400, provider.ErrInvalidRequest},
		{404, provider.ErrNotFound},
		{200, nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, provider.ClassifyStatus(tt.code), "code %d", tt.code)
	}
}

func TestClassifyMessage(t *testing.T) {
	assert.Equal(t, provider.ErrThrottled, provider.ClassifyMessage("Error 429, Status: RESOURCE_EXHAUSTED"))
	assert.Equal(t, provider.ErrProviderUnavailable, provider.ClassifyMessage("overloaded_error"))
	assert.Nil(t, provider.ClassifyMessage("bad things"))
}

func TestProviderError_Unwrap(t *testing.T) {
	err := &provider.ProviderError{Op: "Complete", Provider: "anthropic", Err: provider.ErrThrottled}
	assert.True(t, provider.IsThrottled(err))
	assert.True(t, provider.IsRetryable(err))
	assert.Contains(t, err.Error(), "anthropic Complete")

	assert.False(t, provider.IsRetryable(errors.New("plain")))
}

func TestRemoteState_IsTerminal(t *testing.T) {
	assert.True(t, provider.RemoteCompleted.IsTerminal())
	assert.True(t, provider.RemoteExpired.IsTerminal())
	assert.False(t, provider.RemoteCancelling.IsTerminal())
	assert.False(t, provider.RemoteFinalizing.IsTerminal())
}

func TestTierSet(t *testing.T) {
	std := providertest.Echo("stub", "{}")
	set, err := provider.NewTierSet(
		provider.Tier{Name: provider.TierStandard, Model: "small", Client: std},
		provider.Tier{Name: provider.TierEscalated, Model: "large", Client: std},
	)
	require.NoError(t, err)

	tier, err := set.Get(provider.TierEscalated)
	require.NoError(t, err)
	assert.Equal(t, "large", tier.Model)
	assert.Equal(t, []string{"escalated", "standard"}, set.Names())

	_, err = set.Get("missing")
	require.Error(t, err)

	_, err = provider.NewTierSet(provider.Tier{Name: "a", Client: std}, provider.Tier{Name: "a", Client: std})
	require.Error(t, err)
}

func TestRateLimited_HonorsContext(t *testing.T) {
	stub := providertest.Echo("stub", "ok")
	limited := provider.RateLimited(stub, 0.001, 1)

	_, err := limited.Complete(context.Background(), &provider.Request{Prompt: "a"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = limited.Complete(ctx, &provider.Request{Prompt: "b"})
	require.Error(t, err)
	assert.Equal(t, 1, stub.CallCount())
}

func TestDecodeInput(t *testing.T) {
	lines, err := provider.DecodeInput([]byte(`{"custom_id":"item-000001","request":{"prompt":"p"}}` + "\n\n"))
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "p", lines[0].Request.Prompt)

	_, err = provider.DecodeInput([]byte(`{"request":{"prompt":"p"}}`))
	require.Error(t, err)
}
