package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopProviderWrapsWithoutError(t *testing.T) {
	p, err := NewProvider(Config{Enabled: false})
	require.NoError(t, err)
	assert.False(t, p.enabled)

	called := false
	err = p.WrapOperation(context.Background(), "op", nil, func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestWrapOperationPropagatesError(t *testing.T) {
	p, err := NewProvider(Config{Enabled: false})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = p.WrapOperation(context.Background(), "op", nil, func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestShutdownNoopProviderIsSafe(t *testing.T) {
	p, err := NewProvider(Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))
}
