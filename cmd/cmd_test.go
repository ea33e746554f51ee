// File: cmd/cmd_test.go
package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-render/internal/browser/session"
	"github.com/xkilldash9x/scalpel-render/internal/config"
	"github.com/xkilldash9x/scalpel-render/internal/service"
	"github.com/xkilldash9x/scalpel-render/internal/store"
)

type failingLauncher struct{}

func (failingLauncher) Launch(context.Context, string) (session.Browser, error) {
	return nil, errors.New("chromium not installed")
}

func noDatabase(context.Context, config.DatabaseConfig) (store.DBPool, func(), error) {
	return nil, nil, store.ErrNoDatabase
}

// stubRuntime replaces the browser and database with test doubles.
func stubRuntime(t *testing.T) {
	t.Helper()
	origFactory, origLauncher := newComponentFactory, newLauncher
	newComponentFactory = func() service.ComponentFactory {
		return service.NewComponentFactory(service.WithPoolConnector(noDatabase), service.WithLauncher(failingLauncher{}))
	}
	newLauncher = func(config.BrowserConfig, *zap.Logger) session.Launcher { return failingLauncher{} }
	t.Cleanup(func() {
		newComponentFactory, newLauncher = origFactory, origLauncher
	})
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, ctx context.Context, root *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return buf.String(), err
}

func findCommand(root *cobra.Command, name string) *cobra.Command {
	for _, c := range root.Commands() {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

const quietConfig = `
logger:
  level: fatal
`

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := execute(t, context.Background(), NewRootCommand(), "--version")
	require.NoError(t, err)
	assert.Equal(t, "scalpel-render version "+Version+"\n", out)
}

func TestVersionCmd(t *testing.T) {
	// A broken config file must not stop the version command.
	cfgPath := writeConfig(t, "cache:\n  ttl: -1s\n")
	out, err := execute(t, context.Background(), NewRootCommand(), "--config", cfgPath, "version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestBrowseCmd_RequiresURL(t *testing.T) {
	out, err := execute(t, context.Background(), NewRootCommand(), "browse")
	require.Error(t, err)
	assert.Contains(t, out, "accepts 1 arg(s), received 0")
}

func TestConfigFileAndFlagOverride(t *testing.T) {
	cfgPath := writeConfig(t, quietConfig+`
server:
  listen_addr: 127.0.0.1:9000
cache:
  ttl: 5m
browser:
  max_concurrent: 2
`)
	t.Setenv("SCALPEL_BROWSER_MAX_CONCURRENT", "7")

	root := NewRootCommand()
	serveCmd := findCommand(root, "serve")
	require.NotNil(t, serveCmd)

	var captured *config.Config
	serveCmd.RunE = func(cmd *cobra.Command, args []string) error {
		var err error
		captured, err = getConfigFromContext(cmd.Context())
		return err
	}

	_, err := execute(t, context.Background(), root, "--config", cfgPath, "serve", "--listen", "127.0.0.1:9100")
	require.NoError(t, err)
	require.NotNil(t, captured)

	assert.Equal(t, "127.0.0.1:9100", captured.Server().ListenAddr, "flag beats file")
	assert.Equal(t, 5*time.Minute, captured.Cache().TTL, "file beats default")
	assert.Equal(t, 7, captured.Browser().MaxConcurrent, "env beats file")
	assert.Equal(t, 16, captured.Cache().Shards, "default")
}

func TestInvalidConfigFails(t *testing.T) {
	stubRuntime(t)
	cfgPath := writeConfig(t, quietConfig+"cache:\n  shards: 0\n")

	_, err := execute(t, context.Background(), NewRootCommand(), "--config", cfgPath, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestMissingConfigFileFails(t *testing.T) {
	_, err := execute(t, context.Background(), NewRootCommand(), "--config", filepath.Join(t.TempDir(), "nope.yaml"), "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize configuration")
}

func TestServeCmd_StartsAndStops(t *testing.T) {
	stubRuntime(t)
	cfgPath := writeConfig(t, quietConfig+`
server:
  listen_addr: 127.0.0.1:0
  shutdown_timeout: 2s
`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := execute(t, ctx, NewRootCommand(), "--config", cfgPath, "serve")
		done <- err
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancellation")
	}
}

func TestBrowseCmd_LaunchFailure(t *testing.T) {
	stubRuntime(t)
	cfgPath := writeConfig(t, quietConfig)

	_, err := execute(t, context.Background(), NewRootCommand(), "--config", cfgPath, "browse", "example.com", "--har")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "browse failed")
	assert.Contains(t, err.Error(), "chromium not installed")
}

func TestBrowseCmd_UnsupportedBrowser(t *testing.T) {
	stubRuntime(t)
	cfgPath := writeConfig(t, quietConfig)

	_, err := execute(t, context.Background(), NewRootCommand(), "--config", cfgPath, "browse", "https://example.com", "--browser", "netscape")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "browse failed")
}
