package main

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlaggedCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("log-level", "", "")
	cmd.Flags().BoolP("verbose", "v", false, "")
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestConfigureLogger(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		fallback logrus.Level
		want     logrus.Level
	}{
		{
			name:     "fallback when nothing set",
			fallback: logrus.WarnLevel,
			want:     logrus.WarnLevel,
		},
		{
			name:     "verbose enables debug",
			args:     []string{"-v"},
			fallback: logrus.InfoLevel,
			want:     logrus.DebugLevel,
		},
		{
			name:     "log-level wins over verbose",
			args:     []string{"-v", "--log-level", "error"},
			fallback: logrus.InfoLevel,
			want:     logrus.ErrorLevel,
		},
		{
			name:     "explicit warn",
			args:     []string{"--log-level", "warn"},
			fallback: logrus.InfoLevel,
			want:     logrus.WarnLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newFlaggedCommand(t, tt.args...)
			logger, err := configureLogger(cmd, tt.fallback)
			require.NoError(t, err)
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

func TestConfigureLoggerRejectsUnknownLevel(t *testing.T) {
	cmd := newFlaggedCommand(t, "--log-level", "chatty")
	_, err := configureLogger(cmd, logrus.InfoLevel)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}
