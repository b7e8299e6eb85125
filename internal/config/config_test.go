package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"CORE_ROUND_FEE_MINOR", "CORE_LETTER_COST_MINOR",
		"CORE_SFTP_HOST_KEY", "CORE_BUSINESS_TZ",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(29800), cfg.RoundFeeMinor)
	assert.Equal(t, int64(1100), cfg.LetterCostMinor)
	assert.Empty(t, cfg.SFTPHostKey)
	assert.Equal(t, "America/New_York", cfg.BusinessTZ)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CORE_ROUND_FEE_MINOR", "19900")
	t.Setenv("CORE_SFTP_HOST_KEY", "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIDummy")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(19900), cfg.RoundFeeMinor)
	assert.Equal(t, "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIDummy", cfg.SFTPHostKey)
}

func TestBadIntegerFallsBackToDefault(t *testing.T) {
	t.Setenv("CORE_ROUND_FEE_MINOR", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(29800), cfg.RoundFeeMinor)
}
