package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxnlabs/gpucmd/fixtures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		config, err := LoadConfig("../../fixtures/tests/config/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, config)

		assert.Equal(t, "debug", config.Logger.Verbosity)
		assert.Equal(t, 2, config.Engine.NumQueues)
		assert.Equal(t, 8192, config.Engine.RingSize)
		assert.Equal(t, 2*time.Second, config.Engine.DefaultJobTimeout)
		assert.Equal(t, 50*time.Millisecond, config.Engine.SchedulerTick)
		assert.Equal(t, 10*time.Millisecond, config.Reset.HoldDuration)
		assert.False(t, config.HealthEnabled())
		assert.Equal(t, 3*time.Second, config.Health.StagnationTimeout)
		assert.Equal(t, "sim", config.Backend.Kind)
		assert.Equal(t, 1048576, config.Backend.MemoryLimit)
		assert.Equal(t, "0.0.0.0", config.Server.ListenAddress)
		assert.Equal(t, 9000, config.Server.ListenPort)

		// Unset values get defaults.
		assert.Equal(t, time.Second, config.Engine.RingSpaceTimeout)
		assert.Equal(t, time.Second, config.Reset.ReadyTimeout)
		assert.Equal(t, 10, config.Health.ErrorThreshold)
		assert.Equal(t, 1, config.IRQ.Workers)
		assert.True(t, config.MetricsEnabled())
		assert.Equal(t, "/metrics", config.Metrics.Path)
	})

	t.Run("non-existent file", func(t *testing.T) {
		_, err := LoadConfig("non-existent-file.yaml")
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		dir, err := os.Getwd()
		require.NoError(t, err)

		configPath := filepath.Join(dir, "..", "..", "fixtures", "tests", "invalid_config", "config.yaml")
		_, err = LoadConfig(configPath)
		assert.Error(t, err)
	})
}

func TestTemplate(t *testing.T) {
	config, err := Parse(fixtures.ConfigTemplate)
	require.NoError(t, err)
	assert.Equal(t, Default(), config)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name        string
		yaml        string
		expectError bool
	}{
		{"empty document", "", false},
		{"too many queues", "engine:\n  numQueues: 17\n", true},
		{"ring too small", "engine:\n  ringSize: 1024\n", true},
		{"ring too large", "engine:\n  ringSize: 524288\n", true},
		{"negative threshold", "health:\n  errorThreshold: -1\n", true},
		{"bad port", "server:\n  listenPort: 70000\n", true},
		{"negative memory limit", "backend:\n  memoryLimit: -5\n", true},
		{"single queue", "engine:\n  numQueues: 1\n", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if tc.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
