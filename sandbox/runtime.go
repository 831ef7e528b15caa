package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ContainerRuntime manages the lifecycle of the isolated execution backend:
// daemon reachability, image existence, and one-shot container runs with
// the session directories bind-mounted.
type ContainerRuntime interface {
	EnsureDaemon(ctx context.Context) error
	EnsureImage(ctx context.Context, image string) error
	Run(ctx context.Context, image, inputsDir, outputsDir string) (Result, error)
}

// backendProfile describes one CLI-compatible container backend.
type backendProfile struct {
	Name         string
	Binary       string
	DaemonBinary string
	Daemonless   bool
	Socket       string
}

var backendProfiles = map[string]backendProfile{
	"docker": {
		Name:         "docker",
		Binary:       "docker",
		DaemonBinary: "dockerd",
		Socket:       "/var/run/docker.sock",
	},
	// Podman is daemonless; the readiness probe is a no-op.
	"podman": {
		Name:       "podman",
		Binary:     "podman",
		Daemonless: true,
	},
}

const (
	daemonPollAttempts = 10
	daemonPollInterval = time.Second
)

// CLIRuntime implements ContainerRuntime by driving the backend CLI. The
// image build cache is owned by the runtime instance, not process-global
// state; constructing a new runtime forgets which images were built.
type CLIRuntime struct {
	log          *zap.Logger
	profile      backendProfile
	daemonLog    string
	runner       CommandRunner
	fs           FileSystem
	goos         string
	pollInterval time.Duration
	built        map[string]bool
}

// CLIRuntimeOption defines a functional option for CLIRuntime
type CLIRuntimeOption func(*CLIRuntime)

// WithCommandRunner sets the CommandRunner for CLIRuntime
func WithCommandRunner(runner CommandRunner) CLIRuntimeOption {
	return func(rt *CLIRuntime) {
		rt.runner = runner
	}
}

// WithFileSystem sets the FileSystem for CLIRuntime
func WithFileSystem(fs FileSystem) CLIRuntimeOption {
	return func(rt *CLIRuntime) {
		rt.fs = fs
	}
}

// WithPollInterval overrides the daemon readiness polling interval
func WithPollInterval(d time.Duration) CLIRuntimeOption {
	return func(rt *CLIRuntime) {
		rt.pollInterval = d
	}
}

// WithPlatform overrides the detected host platform
func WithPlatform(goos string) CLIRuntimeOption {
	return func(rt *CLIRuntime) {
		rt.goos = goos
	}
}

// NewCLIRuntime creates a runtime for the named backend (docker or podman).
func NewCLIRuntime(log *zap.Logger, backend, daemonLog string, opts ...CLIRuntimeOption) (*CLIRuntime, error) {
	profile, ok := backendProfiles[backend]
	if !ok {
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}

	rt := &CLIRuntime{
		log:          log,
		profile:      profile,
		daemonLog:    daemonLog,
		runner:       &RealCommandRunner{},
		fs:           &RealFileSystem{},
		goos:         runtime.GOOS,
		pollInterval: daemonPollInterval,
		built:        make(map[string]bool),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt, nil
}

// wrap routes backend invocations through the intermediary shell layer on
// platforms that need one.
func (rt *CLIRuntime) wrap(args []string) []string {
	if rt.goos == "windows" {
		return append([]string{"wsl.exe"}, args...)
	}
	return args
}

// hostPath converts a host path to the syntax the backend expects for
// mount and build arguments.
func (rt *CLIRuntime) hostPath(p string) string {
	if rt.goos == "windows" {
		return wslPath(p)
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// wslPath rewrites a drive-letter path to the POSIX-style path visible
// inside the WSL layer: C:\state\run becomes /mnt/c/state/run.
func wslPath(p string) string {
	if len(p) >= 3 && p[1] == ':' && (p[2] == '\\' || p[2] == '/') {
		drive := strings.ToLower(p[:1])
		rest := strings.ReplaceAll(p[3:], `\`, "/")
		return "/mnt/" + drive + "/" + rest
	}
	return strings.ReplaceAll(p, `\`, "/")
}

// EnsureDaemon probes the backend and, if unreachable, starts the daemon in
// the background and polls for its control socket.
func (rt *CLIRuntime) EnsureDaemon(ctx context.Context) error {
	if rt.profile.Daemonless {
		return nil
	}

	_, _, exitCode, err := rt.runner.RunCommand(ctx, rt.wrap([]string{rt.profile.Binary, "ps"}))
	if err == nil && exitCode == 0 {
		return nil
	}

	rt.log.Info("container daemon unreachable, starting it",
		zap.String("daemon", rt.profile.DaemonBinary),
		zap.String("log", rt.daemonLog))

	if startErr := rt.runner.StartDetached(rt.wrap([]string{rt.profile.DaemonBinary}), rt.daemonLog); startErr != nil {
		return fmt.Errorf("starting %s: %w", rt.profile.DaemonBinary, startErr)
	}

	for attempt := 0; attempt < daemonPollAttempts; attempt++ {
		ready, _ := rt.fs.FileExists(rt.profile.Socket)
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rt.pollInterval):
		}
	}

	return &DaemonStartError{
		Backend: rt.profile.Name,
		Socket:  rt.profile.Socket,
		Waited:  daemonPollAttempts,
	}
}

// EnsureImage makes sure the named image exists locally, building it from
// the packaged image definition if absent. A successful probe or build is
// remembered for the lifetime of the runtime, so repeated executions skip
// the backend round trip.
func (rt *CLIRuntime) EnsureImage(ctx context.Context, image string) error {
	if rt.built[image] {
		return nil
	}

	if err := rt.EnsureDaemon(ctx); err != nil {
		return err
	}

	// Fast path: image already present.
	_, _, exitCode, err := rt.runner.RunCommand(ctx, rt.wrap([]string{rt.profile.Binary, "image", "inspect", image}))
	if err != nil {
		return fmt.Errorf("probing image %s: %w", image, err)
	}
	if exitCode == 0 {
		rt.built[image] = true
		return nil
	}

	rt.log.Info("image not found, building", zap.String("image", image))

	buildDir, err := rt.fs.MkdirTemp("", "databox-build-*")
	if err != nil {
		return fmt.Errorf("creating build directory: %w", err)
	}
	defer func() {
		if rmErr := rt.fs.RemoveAll(buildDir); rmErr != nil {
			rt.log.Warn("could not remove build directory", zap.String("path", buildDir), zap.Error(rmErr))
		}
	}()

	dockerfile := filepath.Join(buildDir, "Dockerfile.runner")
	if err := rt.fs.WriteFile(dockerfile, []byte(imageDefinition), FilePermission); err != nil {
		return fmt.Errorf("writing image definition: %w", err)
	}

	buildCmd := rt.wrap([]string{
		rt.profile.Binary, "build",
		"-t", image,
		"-f", rt.hostPath(dockerfile),
		rt.hostPath(buildDir),
	})
	stdout, stderr, exitCode, err := rt.runner.RunCommand(ctx, buildCmd)
	if err != nil {
		return fmt.Errorf("running image build: %w", err)
	}
	if exitCode != 0 {
		return &ImageBuildError{
			Command:  buildCmd,
			ExitCode: exitCode,
			Stdout:   stdout,
			Stderr:   stderr,
		}
	}

	rt.log.Info("image built", zap.String("image", image))
	rt.built[image] = true
	return nil
}

// Run invokes one disposable container with the session directories
// mounted: inputs read-only, outputs read-write. The container entry point
// is the bootstrap script inside the read-only mount.
func (rt *CLIRuntime) Run(ctx context.Context, image, inputsDir, outputsDir string) (Result, error) {
	if err := rt.EnsureDaemon(ctx); err != nil {
		return Result{}, err
	}

	args := rt.wrap([]string{
		rt.profile.Binary, "run", "--rm",
		"-v", rt.hostPath(inputsDir) + ":" + MountInputs + ":ro",
		"-v", rt.hostPath(outputsDir) + ":" + MountOutputs + ":rw",
		image,
		"python", "-u", MountInputs + "/" + BootstrapName,
	})

	stdout, stderr, exitCode, err := rt.runner.RunCommand(ctx, args)
	if err != nil {
		return Result{}, fmt.Errorf("invoking container: %w", err)
	}

	result := Result{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}
	// Some backends report fatal errors only on stdout.
	if result.ExitCode != 0 && result.Stderr == "" {
		result.Stderr = result.Stdout
	}
	return result, nil
}
