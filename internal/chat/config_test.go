package chat

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfig_LoadFromEnvironment(t *testing.T) {
	req := require.New(t)
	t.Setenv("CHAT_HOST", "0.0.0.0")
	t.Setenv("CHAT_PORT", "9000")
	t.Setenv("CHAT_HISTORY_LIMIT", "50")
	t.Setenv("CHAT_WRITE_TIMEOUT", "3s")
	t.Setenv("CHAT_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	req.NoError(err)
	req.Equal("0.0.0.0:9000", cfg.Addr())
	req.Equal(50, cfg.HistoryLimit)
	req.Equal(3*time.Second, cfg.WriteTimeout)
	req.Equal(slog.LevelDebug, cfg.SlogLevel())
	req.Equal(10, cfg.HistoryReplay)
}

func TestConfig_RejectsInvalidValues(t *testing.T) {
	req := require.New(t)

	t.Setenv("CHAT_LOG_LEVEL", "loud")
	_, err := LoadConfig()
	req.Error(err)

	t.Setenv("CHAT_LOG_LEVEL", "info")
	t.Setenv("CHAT_PORT", "70000")
	_, err = LoadConfig()
	req.Error(err)

	t.Setenv("CHAT_PORT", "not-a-port")
	_, err = LoadConfig()
	req.Error(err)
}

func TestConfig_DefaultsAreValid(t *testing.T) {
	req := require.New(t)
	cfg := DefaultConfig()
	req.NoError(cfg.Validate())
	req.Equal("127.0.0.1:8888", cfg.Addr())

	cfg.OutboundBuffer = 0
	req.Error(cfg.Validate())
}

func TestConfig_ReadEnvLeavesValidationToCaller(t *testing.T) {
	req := require.New(t)
	t.Setenv("CHAT_PORT", "70000")

	cfg, err := ReadEnv()
	req.NoError(err)
	req.Error(cfg.Validate())

	cfg.Port = 9001
	req.NoError(cfg.Validate())
	req.Equal("127.0.0.1:9001", cfg.Addr())
}
