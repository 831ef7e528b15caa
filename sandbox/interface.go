package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// Request carries one execution attempt: the untrusted code text and the
// named host values the code may reference. Values must be of a supported
// kind (see Serialize); unreferenced entries are never marshaled.
type Request struct {
	Code      string
	Variables map[string]any
}

// Result represents the captured outcome of one container run. A non-zero
// exit of the sandboxed code is an expected outcome, not an error.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Success reports whether the sandboxed code exited cleanly.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Executor defines the interface for sandbox execution
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// CommandRunner defines an interface for invoking the container backend
type CommandRunner interface {
	// RunCommand runs args to completion and captures its output. A
	// non-zero exit is reported through exitCode, not err; err is reserved
	// for invocation failures (binary missing, context canceled).
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
	// StartDetached launches args as a background process that outlives
	// the caller, with combined output appended to logPath.
	StartDetached(args []string, logPath string) error
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Argv is assembled by the runtime, not the payload

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			exitCode = exitError.ExitCode()
		} else {
			return "", "", 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// StartDetached launches the command in the background with output going to logPath
func (RealCommandRunner) StartDetached(args []string, logPath string) error {
	if len(args) < 1 {
		return fmt.Errorf("no command provided")
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, FilePermission)
	if err != nil {
		return fmt.Errorf("opening daemon log %s: %w", logPath, err)
	}

	cmd := exec.Command(args[0], args[1:]...) //nolint:gosec // Argv is assembled by the runtime, not the payload
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// The daemon must not share the caller's session: a SIGINT delivered to
	// the server's terminal process group would otherwise take it down too.
	cmd.SysProcAttr = detachSysProcAttr()

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return err
	}

	// The daemon owns its lifetime from here; reap it in the background so
	// the child does not linger as a zombie if it exits.
	go func() {
		_ = cmd.Wait()
		logFile.Close()
	}()

	return nil
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	Mkdir(path string, perm os.FileMode) error
	MkdirAll(path string, perm os.FileMode) error
	MkdirTemp(dir, pattern string) (string, error)
	WriteFile(filename string, data []byte, perm os.FileMode) error
	ReadFile(filename string) ([]byte, error)
	ReadDir(path string) ([]os.DirEntry, error)
	RemoveAll(path string) error
	FileExists(path string) (bool, error)
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) Mkdir(path string, perm os.FileMode) error {
	return os.Mkdir(path, perm)
}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

func (RealFileSystem) ReadDir(path string) ([]os.DirEntry, error) {
	return os.ReadDir(path)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (RealFileSystem) FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// Clock abstracts time for run-identifier generation
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// File permission constants
const (
	DirPermission  = 0755
	FilePermission = 0644
)

// Run-directory layout and in-container paths. The container sees the run
// session's inputs directory read-only at MountInputs and its outputs
// directory read-write at MountOutputs.
const (
	GeneratedDirName = "generated"
	InputsDirName    = "inputs"
	OutputsDirName   = "outputs"

	CodeFileName     = "code.py"
	BootstrapName    = "prelude.py"
	ManifestName     = "manifest.yaml"
	PayloadExtension = ".var"

	MountInputs  = "/inputs"
	MountOutputs = "/outputs"
)
