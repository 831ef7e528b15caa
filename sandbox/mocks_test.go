package sandbox

import (
	"context"
	"strings"
	"time"
)

type cmdResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// MockCommandRunner implements CommandRunner for testing. Results are
// scripted by command prefix ("docker ps", "docker build", ...) so argv
// containing temp paths still matches.
type MockCommandRunner struct {
	results       map[string]cmdResult
	defaultResult cmdResult
	detachedErr   error

	Calls    [][]string
	Detached [][]string
}

func (m *MockCommandRunner) RunCommand(_ context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	m.Calls = append(m.Calls, args)

	joined := strings.Join(args, " ")
	for prefix, result := range m.results {
		if strings.HasPrefix(joined, prefix) {
			return result.stdout, result.stderr, result.exitCode, result.err
		}
	}
	d := m.defaultResult
	return d.stdout, d.stderr, d.exitCode, d.err
}

func (m *MockCommandRunner) StartDetached(args []string, _ string) error {
	m.Detached = append(m.Detached, args)
	return m.detachedErr
}

func (m *MockCommandRunner) countCalls(prefix string) int {
	count := 0
	for _, call := range m.Calls {
		if strings.HasPrefix(strings.Join(call, " "), prefix) {
			count++
		}
	}
	return count
}

// MockClock implements Clock returning a scripted sequence of times,
// repeating the last one once exhausted.
type MockClock struct {
	times []time.Time
	index int
}

func (c *MockClock) Now() time.Time {
	if len(c.times) == 0 {
		return time.Time{}
	}
	t := c.times[c.index]
	if c.index < len(c.times)-1 {
		c.index++
	}
	return t
}

// fakeFS wraps the real file system with overridable failure points.
type fakeFS struct {
	RealFileSystem
	existsFn      func(path string) (bool, error)
	removeFailFor map[string]bool // keyed by base name
}

func (f *fakeFS) FileExists(path string) (bool, error) {
	if f.existsFn != nil {
		return f.existsFn(path)
	}
	return f.RealFileSystem.FileExists(path)
}

func (f *fakeFS) RemoveAll(path string) error {
	for name := range f.removeFailFor {
		if strings.HasSuffix(path, name) {
			return &fsError{path: path}
		}
	}
	return f.RealFileSystem.RemoveAll(path)
}

type fsError struct{ path string }

func (e *fsError) Error() string { return "remove " + e.path + ": operation not permitted" }

// fakeRuntime implements ContainerRuntime for engine tests.
type fakeRuntime struct {
	ensureDaemonErr error
	ensureImageErr  error
	runResult       Result
	runErr          error

	ensureImageCalls int
	runCalls         int
	lastImage        string
	lastInputs       string
	lastOutputs      string
}

func (f *fakeRuntime) EnsureDaemon(_ context.Context) error {
	return f.ensureDaemonErr
}

func (f *fakeRuntime) EnsureImage(_ context.Context, image string) error {
	f.ensureImageCalls++
	f.lastImage = image
	return f.ensureImageErr
}

func (f *fakeRuntime) Run(_ context.Context, image, inputsDir, outputsDir string) (Result, error) {
	f.runCalls++
	f.lastImage = image
	f.lastInputs = inputsDir
	f.lastOutputs = outputsDir
	if f.runErr != nil {
		return Result{}, f.runErr
	}
	return f.runResult, nil
}
