package sandbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRuntime(t *testing.T, backend string, mock *MockCommandRunner, opts ...CLIRuntimeOption) *CLIRuntime {
	t.Helper()
	opts = append([]CLIRuntimeOption{
		WithCommandRunner(mock),
		WithPollInterval(time.Millisecond),
	}, opts...)
	rt, err := NewCLIRuntime(zaptest.NewLogger(t), backend, filepath.Join(t.TempDir(), "daemon.log"), opts...)
	require.NoError(t, err)
	return rt
}

func TestNewCLIRuntimeUnsupportedBackend(t *testing.T) {
	_, err := NewCLIRuntime(zaptest.NewLogger(t), "chroot", "/tmp/daemon.log")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported backend")
}

func TestEnsureDaemon(t *testing.T) {
	t.Run("AlreadyRunning", func(t *testing.T) {
		mock := &MockCommandRunner{results: map[string]cmdResult{
			"docker ps": {exitCode: 0},
		}}
		rt := newTestRuntime(t, "docker", mock)

		require.NoError(t, rt.EnsureDaemon(context.Background()))
		assert.Empty(t, mock.Detached)
	})

	t.Run("PodmanNeedsNoDaemon", func(t *testing.T) {
		mock := &MockCommandRunner{}
		rt := newTestRuntime(t, "podman", mock)

		require.NoError(t, rt.EnsureDaemon(context.Background()))
		assert.Empty(t, mock.Calls)
	})

	t.Run("StartsAndWaitsForSocket", func(t *testing.T) {
		mock := &MockCommandRunner{results: map[string]cmdResult{
			"docker ps": {exitCode: 1, stderr: "Cannot connect to the Docker daemon"},
		}}
		fs := &fakeFS{existsFn: func(string) (bool, error) { return true, nil }}
		rt := newTestRuntime(t, "docker", mock, WithFileSystem(fs))

		require.NoError(t, rt.EnsureDaemon(context.Background()))
		require.Len(t, mock.Detached, 1)
		assert.Equal(t, []string{"dockerd"}, mock.Detached[0])
	})

	t.Run("TimesOutWithoutSocket", func(t *testing.T) {
		mock := &MockCommandRunner{results: map[string]cmdResult{
			"docker ps": {exitCode: 1},
		}}
		fs := &fakeFS{existsFn: func(string) (bool, error) { return false, nil }}
		rt := newTestRuntime(t, "docker", mock, WithFileSystem(fs))

		err := rt.EnsureDaemon(context.Background())
		var startErr *DaemonStartError
		require.ErrorAs(t, err, &startErr)
		assert.Equal(t, "docker", startErr.Backend)
		assert.Equal(t, daemonPollAttempts, startErr.Waited)
	})

	t.Run("StartFailurePropagates", func(t *testing.T) {
		mock := &MockCommandRunner{
			results:     map[string]cmdResult{"docker ps": {exitCode: 1}},
			detachedErr: errors.New("dockerd: executable file not found"),
		}
		rt := newTestRuntime(t, "docker", mock)

		err := rt.EnsureDaemon(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "starting dockerd")
	})
}

func TestEnsureImage(t *testing.T) {
	daemonUp := cmdResult{exitCode: 0}

	t.Run("FastPathWhenPresent", func(t *testing.T) {
		mock := &MockCommandRunner{results: map[string]cmdResult{
			"docker ps":            daemonUp,
			"docker image inspect": {exitCode: 0},
		}}
		rt := newTestRuntime(t, "docker", mock)

		require.NoError(t, rt.EnsureImage(context.Background(), "databox-runner:py313"))
		assert.Zero(t, mock.countCalls("docker build"))
	})

	t.Run("BuildsExactlyOnce", func(t *testing.T) {
		mock := &MockCommandRunner{results: map[string]cmdResult{
			"docker ps":            daemonUp,
			"docker image inspect": {exitCode: 1, stderr: "No such image"},
			"docker build":         {exitCode: 0, stdout: "sha256:abc"},
		}}
		rt := newTestRuntime(t, "docker", mock)

		require.NoError(t, rt.EnsureImage(context.Background(), "databox-runner:py313"))
		require.NoError(t, rt.EnsureImage(context.Background(), "databox-runner:py313"))

		// Second call must take the in-runtime cache path.
		assert.Equal(t, 1, mock.countCalls("docker build"))
		assert.Equal(t, 1, mock.countCalls("docker image inspect"))
	})

	t.Run("BuildFailureCarriesDiagnostics", func(t *testing.T) {
		mock := &MockCommandRunner{results: map[string]cmdResult{
			"docker ps":            daemonUp,
			"docker image inspect": {exitCode: 1},
			"docker build":         {exitCode: 2, stdout: "Step 3/5", stderr: "pip: network unreachable"},
		}}
		rt := newTestRuntime(t, "docker", mock)

		err := rt.EnsureImage(context.Background(), "databox-runner:py313")
		var buildErr *ImageBuildError
		require.ErrorAs(t, err, &buildErr)
		assert.Equal(t, 2, buildErr.ExitCode)
		assert.Equal(t, "Step 3/5", buildErr.Stdout)
		assert.Equal(t, "pip: network unreachable", buildErr.Stderr)
		require.NotEmpty(t, buildErr.Command)
		assert.Equal(t, "docker", buildErr.Command[0])
		assert.Contains(t, buildErr.Command, "databox-runner:py313")
	})

	t.Run("BuildCommandTagsTheImage", func(t *testing.T) {
		mock := &MockCommandRunner{results: map[string]cmdResult{
			"docker ps":            daemonUp,
			"docker image inspect": {exitCode: 1},
			"docker build":         {exitCode: 0},
		}}
		rt := newTestRuntime(t, "docker", mock)

		require.NoError(t, rt.EnsureImage(context.Background(), "custom:tag"))

		var buildArgs []string
		for _, call := range mock.Calls {
			if call[1] == "build" {
				buildArgs = call
			}
		}
		require.NotNil(t, buildArgs)
		assert.Contains(t, buildArgs, "-t")
		assert.Contains(t, buildArgs, "custom:tag")
		assert.Contains(t, buildArgs, "-f")
	})
}

func TestRun(t *testing.T) {
	daemonUp := cmdResult{exitCode: 0}

	t.Run("MountsAndEntryPoint", func(t *testing.T) {
		mock := &MockCommandRunner{results: map[string]cmdResult{
			"docker ps":  daemonUp,
			"docker run": {stdout: "hi\n", exitCode: 0},
		}}
		rt := newTestRuntime(t, "docker", mock)

		inputs := t.TempDir()
		outputs := t.TempDir()
		result, err := rt.Run(context.Background(), "databox-runner:py313", inputs, outputs)
		require.NoError(t, err)
		assert.Equal(t, "hi\n", result.Stdout)
		assert.True(t, result.Success())

		last := mock.Calls[len(mock.Calls)-1]
		assert.Contains(t, last, "--rm")
		assert.Contains(t, last, inputs+":/inputs:ro")
		assert.Contains(t, last, outputs+":/outputs:rw")
		assert.Equal(t, "/inputs/prelude.py", last[len(last)-1])
	})

	t.Run("StderrFallsBackToStdout", func(t *testing.T) {
		mock := &MockCommandRunner{results: map[string]cmdResult{
			"docker ps":  daemonUp,
			"docker run": {stdout: "docker: no space left on device", exitCode: 125},
		}}
		rt := newTestRuntime(t, "docker", mock)

		result, err := rt.Run(context.Background(), "img", t.TempDir(), t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, 125, result.ExitCode)
		assert.Equal(t, "docker: no space left on device", result.Stderr)
	})

	t.Run("NonZeroExitIsNotAnError", func(t *testing.T) {
		mock := &MockCommandRunner{results: map[string]cmdResult{
			"docker ps":  daemonUp,
			"docker run": {stderr: "ValueError: boom", exitCode: 1},
		}}
		rt := newTestRuntime(t, "docker", mock)

		result, err := rt.Run(context.Background(), "img", t.TempDir(), t.TempDir())
		require.NoError(t, err)
		assert.False(t, result.Success())
		assert.Equal(t, "ValueError: boom", result.Stderr)
	})

	t.Run("InvocationFailureIsAnError", func(t *testing.T) {
		mock := &MockCommandRunner{
			results:       map[string]cmdResult{"docker ps": daemonUp},
			defaultResult: cmdResult{err: errors.New("exec: docker: not found")},
		}
		rt := newTestRuntime(t, "docker", mock)

		_, err := rt.Run(context.Background(), "img", t.TempDir(), t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invoking container")
	})
}

func TestWindowsShellLayer(t *testing.T) {
	t.Run("CommandsAreWrapped", func(t *testing.T) {
		mock := &MockCommandRunner{results: map[string]cmdResult{
			"wsl.exe docker ps": {exitCode: 0},
		}}
		rt := newTestRuntime(t, "docker", mock, WithPlatform("windows"))

		require.NoError(t, rt.EnsureDaemon(context.Background()))
		require.Len(t, mock.Calls, 1)
		assert.Equal(t, "wsl.exe", mock.Calls[0][0])
	})

	t.Run("DriveLetterPaths", func(t *testing.T) {
		tests := []struct {
			in       string
			expected string
		}{
			{`C:\state\databox\run`, "/mnt/c/state/databox/run"},
			{`D:/data/inputs`, "/mnt/d/data/inputs"},
			{`relative\path`, "relative/path"},
			{"/already/posix", "/already/posix"},
		}
		for _, tt := range tests {
			assert.Equal(t, tt.expected, wslPath(tt.in), tt.in)
		}
	})
}
