package sandbox

import (
	"fmt"
	"strings"
)

// DaemonStartError indicates the container backend daemon could not be
// reached and did not become ready within the polling window. Fatal to the
// current execution attempt; never retried internally.
type DaemonStartError struct {
	Backend string
	Socket  string
	Waited  int // completed polling iterations
}

func (e *DaemonStartError) Error() string {
	return fmt.Sprintf("%s daemon did not become ready: no socket at %s after %d attempts", e.Backend, e.Socket, e.Waited)
}

// ImageBuildError indicates the image build command exited non-zero. It
// carries the full command and captured output so the failure is actionable
// without re-running the build.
type ImageBuildError struct {
	Command  []string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *ImageBuildError) Error() string {
	return fmt.Sprintf("image build failed (exit %d): %s\nstdout: %s\nstderr: %s",
		e.ExitCode, strings.Join(e.Command, " "), strings.TrimSpace(e.Stdout), strings.TrimSpace(e.Stderr))
}

// SessionCreateError indicates the run directory could not be allocated,
// typically a clock collision with an existing run. Fatal to the current
// attempt; the caller decides whether to start a new session.
type SessionCreateError struct {
	Path string
	Err  error
}

func (e *SessionCreateError) Error() string {
	return fmt.Sprintf("creating run session at %s: %v", e.Path, e.Err)
}

func (e *SessionCreateError) Unwrap() error {
	return e.Err
}
