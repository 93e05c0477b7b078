package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endorse-tools/endorse/internal/config"
	"github.com/endorse-tools/endorse/internal/platform"
	"github.com/endorse-tools/endorse/internal/platform/platformtest"
)

func executeCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root, a := newRootCmd()
	a.exit = func(code int) { t.Errorf("forced exit %d", code) }
	stdout := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), err
}

// workspace moves into a fresh directory so no stray endorse.* or .env is
// picked up, and returns a SQLite DSN inside it.
func workspace(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir, filepath.Join(dir, "db", "accounts.sqlite")
}

func fakePlatform(t *testing.T) *platformtest.Client {
	t.Helper()
	client := platformtest.NewClient()
	client.Targets["profiles/target"] = "T"
	client.RelayRefs["relay:1"] = "R"
	prev := newClient
	newClient = func(config.Config) platform.Client { return client }
	t.Cleanup(func() { newClient = prev })
	return client
}

func writeFile(t *testing.T, path, body string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const accountsTOML = `
[[accounts]]
username = "alpha"
password = "pw"

[[accounts]]
username = "bravo"
password = "pw"
shared_secret = "c2VjcmV0"

[[accounts]]
username = "charlie"
password = "pw"
`

func TestVersion(t *testing.T) {
	workspace(t)
	out, err := executeCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}

func TestAccountsLifecycle(t *testing.T) {
	dir, dsn := workspace(t)
	file := writeFile(t, filepath.Join(dir, "accounts.toml"), accountsTOML)

	out, err := executeCLI(t, "--database", dsn, "accounts", "import", file)
	require.NoError(t, err)
	assert.Contains(t, out, "imported 3 accounts, skipped 0 existing")

	out, err = executeCLI(t, "--database", dsn, "accounts", "import", file)
	require.NoError(t, err)
	assert.Contains(t, out, "imported 0 accounts, skipped 3 existing")

	out, err = executeCLI(t, "--database", dsn, "accounts", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "alpha")
	assert.Contains(t, out, "never")
	assert.NotContains(t, out, "c2VjcmV0", "secrets are never printed")

	out, err = executeCLI(t, "--database", dsn, "accounts", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "total: 3")
	assert.Contains(t, out, "operational: 3")

	out, err = executeCLI(t, "--database", dsn, "accounts", "reactivate", "alpha")
	require.NoError(t, err)
	assert.Contains(t, out, "reactivated alpha")
}

func TestAccountsImportRejectsIncompleteEntry(t *testing.T) {
	dir, dsn := workspace(t)
	file := writeFile(t, filepath.Join(dir, "accounts.toml"), "[[accounts]]\nusername = \"x\"\n")

	_, err := executeCLI(t, "--database", dsn, "accounts", "import", file)
	assert.ErrorContains(t, err, "username and password are required")
}

func runConfig(t *testing.T, dir, dsn, serverID string) string {
	t.Helper()
	return writeFile(t, filepath.Join(dir, "endorse.toml"), `
method = "server"
target = "profiles/target"
server_id = "`+serverID+`"
chunk_size = 2
between_chunks = "0s"
cooldown = "0s"
shutdown_grace = "1h"

[database]
dsn = "`+filepath.ToSlash(dsn)+`"

[quota]
friendly = 2
teaching = 3

[worker]
in_process = true

[report]
dir = "`+filepath.ToSlash(filepath.Join(dir, "reports"))+`"
`)
}

func TestRunInProcess(t *testing.T) {
	dir, dsn := workspace(t)
	client := fakePlatform(t)
	file := writeFile(t, filepath.Join(dir, "accounts.toml"), accountsTOML)
	cfgFile := runConfig(t, dir, dsn, "relay:1")

	_, err := executeCLI(t, "--config", cfgFile, "accounts", "import", file)
	require.NoError(t, err)

	_, err = executeCLI(t, "--config", cfgFile, "run")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alpha", "bravo", "charlie"}, client.Logins())

	out, err := executeCLI(t, "--config", cfgFile, "accounts", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "actions recorded: 3")

	reports, err := filepath.Glob(filepath.Join(dir, "reports", "runs", "*", "*.json"))
	require.NoError(t, err)
	assert.Len(t, reports, 1)

	// A second run finds no eligible accounts and aborts cleanly.
	_, err = executeCLI(t, "--config", cfgFile, "run")
	require.NoError(t, err)
	assert.Len(t, client.Logins(), 3)
}

func TestRunAutoRelayAbortsCleanly(t *testing.T) {
	dir, dsn := workspace(t)
	client := fakePlatform(t)
	file := writeFile(t, filepath.Join(dir, "accounts.toml"), accountsTOML)
	cfgFile := runConfig(t, dir, dsn, "auto")

	_, err := executeCLI(t, "--config", cfgFile, "accounts", "import", file)
	require.NoError(t, err)

	_, err = executeCLI(t, "--config", cfgFile, "run")
	require.NoError(t, err)
	assert.Empty(t, client.Logins())
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	_, dsn := workspace(t)
	_, err := executeCLI(t, "--database", dsn, "run", "--method", "carrier-pigeon")
	assert.ErrorContains(t, err, "method must be")
}
