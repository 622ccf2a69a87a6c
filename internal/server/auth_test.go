package server_test

import (
	"context"
	"testing"

	"PerpVault/internal/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticator_Resolve(t *testing.T) {
	auth, err := server.NewAuthenticator(apiKeys)
	require.NoError(t, err)

	got, err := auth.Resolve("Bearer alice-key")
	require.NoError(t, err)
	assert.Equal(t, alice, got)

	got, err = auth.Resolve("gov-key")
	require.NoError(t, err)
	assert.Equal(t, gov, got)

	got, err = auth.Resolve("")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = auth.Resolve("Bearer alice-key2")
	assert.Error(t, err)

	_, err = server.NewAuthenticator(map[string]string{"k": ""})
	assert.Error(t, err)
}

func TestCallerFrom(t *testing.T) {
	_, ok := server.CallerFrom(context.Background())
	assert.False(t, ok)

	got, ok := server.CallerFrom(server.WithCaller(context.Background(), bob))
	require.True(t, ok)
	assert.Equal(t, bob, got)
}
