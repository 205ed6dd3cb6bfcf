package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avasidecar/internal/config"
	"github.com/vyrodovalexey/avasidecar/test/helpers"
)

// testEnv is a certificate fixture, a running upstream and a config file.
type testEnv struct {
	fixture    *helpers.Fixture
	upstream   string
	listen     string
	configPath string
}

type envOptions struct {
	listen         string
	metricsAddress string
	upstream       string
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	t.Setenv(envLogLevel, "")
	t.Setenv(envLogFormat, "")

	f, err := helpers.NewFixture(t.TempDir())
	require.NoError(t, err)

	env := &testEnv{fixture: f, upstream: opts.upstream, listen: opts.listen}
	if env.upstream == "" {
		up, err := f.StartUpstream(nil)
		require.NoError(t, err)
		t.Cleanup(up.Close)
		env.upstream = up.Address()
	}
	if env.listen == "" {
		env.listen, err = helpers.FreeAddress()
		require.NoError(t, err)
	}

	metrics := "metrics: {enabled: false}"
	if opts.metricsAddress != "" {
		metrics = fmt.Sprintf("metrics: {enabled: true, address: %q, path: /metrics}", opts.metricsAddress)
	}

	content := fmt.Sprintf(`listen: %q
upstream: %q
tls:
  ca_file: %q
  server_cert: %q
  server_key: %q
  client_cert: %q
  client_key: %q
timeouts:
  close_grace: 500ms
  shutdown_grace: 2s
observability:
  logging: {level: error, output: stderr}
  %s
`, env.listen, env.upstream, f.CAFile, f.ProxyCertFile, f.ProxyKeyFile, f.ProxyClientCert, f.ProxyClientKey, metrics)

	env.configPath = filepath.Join(t.TempDir(), "proxy.yaml")
	require.NoError(t, os.WriteFile(env.configPath, []byte(content), 0o600))
	return env
}

// runAsync runs the root command until ctx is cancelled.
func runAsync(ctx context.Context, args ...string) <-chan int {
	done := make(chan int, 1)
	go func() {
		done <- execute(ctx, args, io.Discard, io.Discard)
	}()
	return done
}

func waitExit(t *testing.T, done <-chan int) int {
	t.Helper()
	select {
	case code := <-done:
		return code
	case <-time.After(15 * time.Second):
		t.Fatal("sidecar did not exit")
		return -1
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	code := execute(context.Background(), []string{"version"}, &out, io.Discard)

	assert.Equal(t, exitOK, code)
	assert.Contains(t, out.String(), "avasidecar version dev")
	assert.Contains(t, out.String(), "Git commit: unknown")
}

func TestValidateCommand(t *testing.T) {
	env := newTestEnv(t, envOptions{upstream: "127.0.0.1:9443"})

	var out bytes.Buffer
	code := execute(context.Background(), []string{"validate", "--config", env.configPath}, &out, io.Discard)

	assert.Equal(t, exitOK, code)
	assert.Contains(t, out.String(), "configuration valid")
	assert.Contains(t, out.String(), "server_name=127.0.0.1")
	assert.Contains(t, out.String(), "mode=stream")
}

func TestValidateCommand_Failures(t *testing.T) {
	env := newTestEnv(t, envOptions{upstream: "127.0.0.1:9443"})

	invalid := filepath.Join(t.TempDir(), "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("listen: 127.0.0.1:0\n"), 0o600))

	data, err := os.ReadFile(env.configPath)
	require.NoError(t, err)
	missingCA := filepath.Join(t.TempDir(), "missing-ca.yaml")
	require.NoError(t, os.WriteFile(missingCA,
		bytes.Replace(data, []byte(env.fixture.CAFile), []byte(env.fixture.CAFile+".missing"), 1), 0o600))

	tests := []struct {
		name   string
		path   string
		errMsg string
	}{
		{name: "missing file", path: filepath.Join(t.TempDir(), "absent.yaml"), errMsg: "config file not found"},
		{name: "invalid configuration", path: invalid, errMsg: "upstream"},
		{name: "missing certificate", path: missingCA, errMsg: ".missing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			code := execute(context.Background(), []string{"validate", "--config", tt.path}, io.Discard, &stderr)

			assert.Equal(t, exitStartup, code)
			assert.Contains(t, stderr.String(), tt.errMsg)
		})
	}
}

func TestRootCommand_RejectsArguments(t *testing.T) {
	code := execute(context.Background(), []string{"unexpected"}, io.Discard, io.Discard)
	assert.Equal(t, exitStartup, code)
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(ctx, "--config", env.configPath)

	clientCfg, err := env.fixture.ClientConfig()
	require.NoError(t, err)
	client := helpers.NewHTTP2Client(clientCfg)

	require.Eventually(t, func() bool {
		status, body, err := helpers.GetBody(context.Background(), client, "https://"+env.listen+"/")
		return err == nil && status == http.StatusOK && body == helpers.UpstreamGreeting
	}, 10*time.Second, 50*time.Millisecond)
	client.CloseIdleConnections()

	cancel()
	assert.Equal(t, exitOK, waitExit(t, done))
}

func TestRun_MetricsAndHealthEndpoints(t *testing.T) {
	metricsAddr, err := helpers.FreeAddress()
	require.NoError(t, err)
	env := newTestEnv(t, envOptions{metricsAddress: metricsAddr})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(ctx, "--config", env.configPath)

	base := "http://" + metricsAddr
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/live")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 50*time.Millisecond)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "sidecar_proxy_connections_active")
	assert.Contains(t, string(body), "sidecar_build_info")

	assert.Eventually(t, func() bool {
		resp, err := http.Get(base + "/ready")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	assert.Equal(t, exitOK, waitExit(t, done))
}

func TestRun_StartupFailures(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	t.Run("listen address in use", func(t *testing.T) {
		env := newTestEnv(t, envOptions{listen: occupied.Addr().String(), upstream: "127.0.0.1:9443"})
		code := execute(context.Background(), []string{"--config", env.configPath}, io.Discard, io.Discard)
		assert.Equal(t, exitStartup, code)
	})

	t.Run("metrics address in use", func(t *testing.T) {
		env := newTestEnv(t, envOptions{metricsAddress: occupied.Addr().String(), upstream: "127.0.0.1:9443"})
		code := execute(context.Background(), []string{"--config", env.configPath}, io.Discard, io.Discard)
		assert.Equal(t, exitStartup, code)
	})
}

func TestExitCode(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{name: "nil", err: nil, expected: exitOK},
		{name: "startup", err: startupError(cause), expected: exitStartup},
		{name: "runtime", err: runtimeError(cause), expected: exitRuntime},
		{name: "wrapped runtime", err: fmt.Errorf("serve: %w", runtimeError(cause)), expected: exitRuntime},
		{name: "plain", err: cause, expected: exitStartup},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, exitCode(tt.err))
		})
	}

	assert.ErrorIs(t, runtimeError(cause), cause)
	assert.Equal(t, "boom", startupError(cause).Error())
}

func TestLogConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Observability.Logging = config.LoggingConfig{Level: "warn", Format: "console", Output: "stderr"}

	tests := []struct {
		name   string
		cfg    *config.Config
		flags  cliFlags
		level  string
		format string
	}{
		{
			name:   "configuration wins over defaults",
			cfg:    cfg,
			flags:  cliFlags{logLevel: "info", logFormat: "json"},
			level:  "warn",
			format: "console",
		},
		{
			name:   "explicit flags win",
			cfg:    cfg,
			flags:  cliFlags{logLevel: "debug", logFormat: "json", logLevelSet: true, logFormatSet: true},
			level:  "debug",
			format: "json",
		},
		{
			name:   "no configuration",
			cfg:    nil,
			flags:  cliFlags{logLevel: "error", logFormat: "json"},
			level:  "error",
			format: "json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lc := logConfig(tt.cfg, &tt.flags)
			assert.Equal(t, tt.level, lc.Level)
			assert.Equal(t, tt.format, lc.Format)
		})
	}
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("SIDECAR_TEST_VALUE", "set")
	assert.Equal(t, "set", getEnvOrDefault("SIDECAR_TEST_VALUE", "default"))
	assert.Equal(t, "default", getEnvOrDefault("SIDECAR_TEST_UNSET_VALUE", "default"))
}
