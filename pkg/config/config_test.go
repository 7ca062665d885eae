package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setStrongSecrets(t *testing.T) {
	t.Helper()
	t.Setenv("HMAC_SECRET", "kX9mP2vQ8rT4wY7zB1nC5dF6gH3jL0aS")
	t.Setenv("JWT_SECRET", "qW3eR5tY7uI9oP1aS2dF4gH6jK8lZ0xC")
	t.Setenv("INTERNAL_SERVICE_SECRET", "mN4bV6cX8zL1kJ3hG5fD7sA9pO2iU0yT")
	t.Setenv("KMS_KEY_ID", "arn:aws:kms:us-east-1:111122223333:key/test")
}

func TestLoad_Defaults(t *testing.T) {
	setStrongSecrets(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Env)
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 30, cfg.QRRotationWindowSecs)
	assert.Equal(t, 10, cfg.DuplicateWindowMins)
	assert.Equal(t, []string{"ticketing-api", "chain-sync"}, cfg.AllowedServices)
	assert.Empty(t, cfg.Problems())
}

func TestLoad_Overrides(t *testing.T) {
	setStrongSecrets(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("DUPLICATE_WINDOW_MINS", "30")
	t.Setenv("CHAIN_RPC_ENDPOINTS", "https://rpc-a.example.com,https://rpc-b.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 30, cfg.DuplicateWindowMins)
	assert.Len(t, cfg.ChainRPCEndpoints, 2)
	assert.Empty(t, cfg.Problems())
}

func TestProblems_MissingSecrets(t *testing.T) {
	cfg := &Config{DuplicateWindowMins: 10, QRRotationWindowSecs: 30}
	problems := cfg.Problems()

	names := make([]string, 0, len(problems))
	for _, p := range problems {
		names = append(names, p.Name)
	}
	assert.ElementsMatch(t, []string{"HMAC_SECRET", "JWT_SECRET", "INTERNAL_SERVICE_SECRET", "KMS_KEY_ID"}, names)
	for _, p := range problems[:3] {
		assert.Equal(t, "not set", p.Reason)
	}
}

func TestProblems_WeakSecrets(t *testing.T) {
	cfg := &Config{
		HMACSecret:            "CHANGEME",
		JWTSecret:             "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		InternalServiceSecret: "mN4bV6cX8zL1kJ3hG5fD7sA9pO2iU0yT",
		KMSKeyID:              "key-1",
		DuplicateWindowMins:   10,
		QRRotationWindowSecs:  30,
	}
	problems := cfg.Problems()
	require.Len(t, problems, 2)
	assert.Equal(t, "HMAC_SECRET", problems[0].Name)
	assert.Contains(t, problems[0].Reason, "shorter than 32")
	assert.Equal(t, "JWT_SECRET", problems[1].Name)
	assert.Contains(t, problems[1].Reason, "weak value")
}

func TestProblems_WindowBounds(t *testing.T) {
	cfg := &Config{
		HMACSecret:            "kX9mP2vQ8rT4wY7zB1nC5dF6gH3jL0aS",
		JWTSecret:             "qW3eR5tY7uI9oP1aS2dF4gH6jK8lZ0xC",
		InternalServiceSecret: "mN4bV6cX8zL1kJ3hG5fD7sA9pO2iU0yT",
		KMSKeyID:              "key-1",
		DuplicateWindowMins:   1441,
		QRRotationWindowSecs:  0,
	}
	problems := cfg.Problems()
	require.Len(t, problems, 2)
	assert.Equal(t, "DUPLICATE_WINDOW_MINS", problems[0].Name)
	assert.Equal(t, "QR_ROTATION_WINDOW_SECS", problems[1].Name)
}
