package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	tm := NewTokenManager()
	bt, err := tm.GenerateToken("nimbus", time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, bt.Token)

	engineID, err := tm.ValidateToken(bt.Token)
	require.NoError(t, err)
	assert.Equal(t, "nimbus", engineID)
}

func TestValidateTokenRejectsUnknown(t *testing.T) {
	tm := NewTokenManager()
	_, err := tm.ValidateToken("never-issued")
	assert.Error(t, err)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	tm := NewTokenManager()
	bt, err := tm.GenerateToken("nimbus", -time.Second)
	require.NoError(t, err)

	_, err = tm.ValidateToken(bt.Token)
	assert.Error(t, err)
}

func TestRevokeTokenInvalidatesImmediately(t *testing.T) {
	tm := NewTokenManager()
	bt, err := tm.GenerateToken("nimbus", time.Hour)
	require.NoError(t, err)

	tm.RevokeToken(bt.Token)
	_, err = tm.ValidateToken(bt.Token)
	assert.Error(t, err)
}

func TestCleanupExpiredTokensSweepsOnlyExpired(t *testing.T) {
	tm := NewTokenManager()
	expired, err := tm.GenerateToken("nimbus", -time.Second)
	require.NoError(t, err)
	live, err := tm.GenerateToken("nimbus", time.Hour)
	require.NoError(t, err)

	tm.CleanupExpiredTokens()

	tokens := tm.ListTokens()
	require.Len(t, tokens, 1)
	assert.Equal(t, live.Token, tokens[0].Token)
	assert.NotEqual(t, expired.Token, tokens[0].Token)
}

func TestGenerateTokenProducesUniqueTokens(t *testing.T) {
	tm := NewTokenManager()
	a, err := tm.GenerateToken("nimbus", time.Hour)
	require.NoError(t, err)
	b, err := tm.GenerateToken("nimbus", time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, a.Token, b.Token)
}
