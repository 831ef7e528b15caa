package sandbox

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
)

// Config holds configuration for the execution engine
type Config struct {
	Image    string
	StateDir string
	MaxRuns  int
}

// Engine drives one execution attempt end to end: run-directory allocation,
// variable marshaling, container invocation, result collection, and
// retention pruning.
type Engine struct {
	log          *zap.Logger
	cfg          *Config
	runtime      ContainerRuntime
	marshaler    *Marshaler
	pruner       *Pruner
	fs           FileSystem
	clock        Clock
	generatedDir string
}

// EngineOption defines a functional option for Engine
type EngineOption func(*Engine)

// WithEngineFileSystem sets the FileSystem for Engine
func WithEngineFileSystem(fs FileSystem) EngineOption {
	return func(e *Engine) {
		e.fs = fs
	}
}

// WithEngineClock sets the Clock for Engine
func WithEngineClock(clock Clock) EngineOption {
	return func(e *Engine) {
		e.clock = clock
	}
}

// NewEngine creates an Engine over the given container runtime and ensures
// the run-directory root exists.
func NewEngine(log *zap.Logger, cfg *Config, rt ContainerRuntime, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		log:     log,
		cfg:     cfg,
		runtime: rt,
		fs:      &RealFileSystem{},
		clock:   realClock{},
	}
	for _, opt := range opts {
		opt(e)
	}

	e.marshaler = NewMarshaler(log, e.fs)
	e.pruner = NewPruner(log, e.fs, cfg.MaxRuns)
	e.generatedDir = filepath.Join(cfg.StateDir, GeneratedDirName)

	if err := e.fs.MkdirAll(e.generatedDir, DirPermission); err != nil {
		return nil, fmt.Errorf("creating run-directory root: %w", err)
	}
	return e, nil
}

// Execute runs one attempt. Infrastructure failures (daemon, image build,
// run-directory allocation) are returned as errors; a non-zero exit of the
// sandboxed code is a first-class outcome in the Result.
func (e *Engine) Execute(ctx context.Context, req Request) (Result, error) {
	// Old runs are reclaimed on every exit path, success or failure.
	defer e.pruner.Prune(e.generatedDir)

	sess, err := NewSession(e.fs, e.clock, e.log, e.generatedDir)
	if err != nil {
		return Result{}, err
	}
	e.log.Info("run session created", zap.String("run", sess.ID))

	if err := sess.Populate(e.marshaler, e.cfg.Image, req.Code, req.Variables); err != nil {
		return Result{}, fmt.Errorf("populating run session: %w", err)
	}

	if err := e.runtime.EnsureImage(ctx, e.cfg.Image); err != nil {
		return Result{}, err
	}

	if err := sess.Execute(ctx, e.runtime, e.cfg.Image); err != nil {
		return Result{}, err
	}

	result := sess.Collect()
	e.log.Info("run session finished",
		zap.String("run", sess.ID),
		zap.Int("exit_code", result.ExitCode),
		zap.Bool("success", result.Success()))
	return result, nil
}
