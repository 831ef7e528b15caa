package sandbox

import (
	"go.uber.org/zap"

	"github.com/databox-dev/databox/config"
)

// NewExecutor creates the execution engine described by the application
// configuration: a CLI-driven container runtime for the configured backend
// wrapped in an Engine that owns run directories and retention.
func NewExecutor(log *zap.Logger, cfg *config.Config) (Executor, error) {
	statePath, err := cfg.StatePath()
	if err != nil {
		return nil, err
	}

	rt, err := NewCLIRuntime(log, cfg.Sandbox.Backend, cfg.Sandbox.DaemonLog)
	if err != nil {
		return nil, err
	}

	return NewEngine(log, &Config{
		Image:    cfg.Sandbox.Image,
		StateDir: statePath,
		MaxRuns:  cfg.Retention.MaxRuns,
	}, rt)
}
