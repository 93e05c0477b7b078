package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endorse-tools/endorse/internal/models"
)

// chdir isolates Load from any endorse.* or .env in the package dir.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdir(t)
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, 8*time.Hour, cfg.Cooldown)
	assert.Equal(t, 10, cfg.ChunkSize)
	assert.Equal(t, MethodServer, cfg.Method)
	assert.True(t, cfg.AutoRelay())
	assert.Equal(t, 15*time.Second, cfg.ShutdownGrace)
	assert.Equal(t, 1, cfg.Policy.SuccessCode)
	assert.True(t, cfg.Policy.CooldownOnRejected)
	assert.Empty(t, cfg.Quota)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := chdir(t)
	file := filepath.Join(dir, "custom.toml")
	require.NoError(t, os.WriteFile(file, []byte(`
method = "login"
chunk_size = 5
cooldown = "1h"

[quota]
friendly = 3
teaching = 5

[account]
username = "owner"
password = "hunter2"
`), 0o600))
	t.Setenv("ENDORSE_QUOTA_LEADER", "2")
	t.Setenv("ENDORSE_CHUNK_SIZE", "7")

	cfg, err := Load(viper.New(), file)
	require.NoError(t, err)

	assert.Equal(t, MethodLogin, cfg.Method)
	assert.Equal(t, 7, cfg.ChunkSize, "env overrides file")
	assert.Equal(t, time.Hour, cfg.Cooldown)
	assert.Equal(t, models.Quota{
		models.CategoryFriendly: 3,
		models.CategoryTeaching: 5,
		models.CategoryLeader:   2,
	}, cfg.Quota)
	assert.Equal(t, "owner", cfg.Account.Username)
	require.NoError(t, cfg.Validate())
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ENDORSE_TARGET=7656119\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("ENDORSE_TARGET") })

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "7656119", cfg.Target)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	chdir(t)
	_, err := Load(viper.New(), "does-not-exist.toml")
	assert.Error(t, err)
}

func validServer() Config {
	return Config{
		DatabaseDSN: "x.sqlite",
		Quota:       models.Quota{models.CategoryFriendly: 1},
		ChunkSize:   1,
		Method:      MethodServer,
		Target:      "T",
		ServerID:    RelayAuto,
		Worker:      WorkerConfig{Concurrency: 1},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validServer().Validate())

	for name, mutate := range map[string]func(*Config){
		"no dsn":        func(c *Config) { c.DatabaseDSN = "" },
		"zero quota":    func(c *Config) { c.Quota = models.Quota{} },
		"chunk size":    func(c *Config) { c.ChunkSize = 0 },
		"method":        func(c *Config) { c.Method = "steam" },
		"no target":     func(c *Config) { c.Target = "" },
		"login creds":   func(c *Config) { c.Method = MethodLogin },
		"concurrency":   func(c *Config) { c.Worker.Concurrency = 0 },
		"relay bucket":  func(c *Config) { c.Redis = RedisConfig{Addr: "localhost:6379"} },
		"negative wait": func(c *Config) { c.BetweenChunks = -time.Second },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := validServer()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
