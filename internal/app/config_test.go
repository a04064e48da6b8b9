package app

import (
	"testing"
	"time"

	qerrors "github.com/shhac/quill/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("QUILL_DEBUG", "true")
	t.Setenv("QUILL_IMPORT_PATHS", "protos;vendor/protos")
	t.Setenv("QUILL_OTLP_ENDPOINT", "localhost:4317")
	t.Setenv("QUILL_DEFAULT_TIMEOUT", "2s")
	t.Setenv("QUILL_MAX_DEPTH", "5")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)

	assert.True(t, cfg.Debug)
	assert.Equal(t, []string{"protos", "vendor/protos"}, cfg.ImportPaths)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, 2*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, 5, cfg.MaxDepth)
}

func TestConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.MaxDepth)
	assert.Zero(t, cfg.DefaultTimeout)
}

func TestConfigFromEnv_Invalid(t *testing.T) {
	t.Setenv("QUILL_MAX_DEPTH", "0")

	_, err := ConfigFromEnv()
	var verr qerrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "QUILL_MAX_DEPTH", verr.Field)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.DefaultTimeout = -time.Second
	assert.Error(t, cfg.Validate())
}
