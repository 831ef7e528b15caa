package sandbox

import (
	"path/filepath"
	"sort"

	"go.uber.org/zap"
)

// Pruner reclaims disk space by deleting the oldest run directories once
// their count exceeds the retention window. Cleanup is advisory: removal
// errors are logged and swallowed, never surfaced to the execution path.
type Pruner struct {
	log     *zap.Logger
	fs      FileSystem
	maxRuns int
}

// NewPruner creates a Pruner keeping at most maxRuns run directories.
func NewPruner(log *zap.Logger, fs FileSystem, maxRuns int) *Pruner {
	return &Pruner{log: log, fs: fs, maxRuns: maxRuns}
}

// Prune removes the oldest conforming run directories under root until at
// most maxRuns remain. Directories whose names do not parse as run
// identifiers are left untouched.
func (p *Pruner) Prune(root string) {
	entries, err := p.fs.ReadDir(root)
	if err != nil {
		p.log.Warn("could not list run directories", zap.String("root", root), zap.Error(err))
		return
	}

	var runs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, ok := parseRunName(entry.Name()); !ok {
			continue
		}
		runs = append(runs, entry.Name())
	}

	// The timestamp format makes name order chronological order.
	sort.Strings(runs)

	for len(runs) > p.maxRuns {
		oldest := runs[0]
		runs = runs[1:]
		if err := p.fs.RemoveAll(filepath.Join(root, oldest)); err != nil {
			p.log.Warn("could not remove old run directory", zap.String("run", oldest), zap.Error(err))
		} else {
			p.log.Debug("pruned old run directory", zap.String("run", oldest))
		}
	}
}
