// Package logging includes tests for the zap logger helpers.
package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

// TestNewProductionLogger ensures the production logger configuration succeeds.
func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false)
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("production logger ready")
}

func TestAutoBuilds(t *testing.T) {
	t.Parallel()

	logger, err := Auto("prod", false)
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestWantDevelopment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		mode        string
		development bool
		terminal    bool
		want        bool
	}{
		{"prod pipe", "prod", false, false, false},
		{"test pipe", "test", false, false, false},
		{"debug mode", "debug", false, false, true},
		{"terminal", "prod", false, true, true},
		{"forced", "prod", true, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, wantDevelopment(tt.mode, tt.development, tt.terminal))
		})
	}
}
