package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Session states. Transitions are one-way: created, populated, executed,
// collected. A session that fails at any stage is abandoned; retrying means
// constructing a new session.
type sessionState int

const (
	stateCreated sessionState = iota
	statePopulated
	stateExecuted
	stateCollected
)

const (
	runDirPrefix   = "run_"
	runStampLayout = "20060102_150405"
	microDigits    = 6
)

// runStamp formats a timestamp at microsecond resolution such that
// lexicographic order of run identifiers equals chronological order.
func runStamp(t time.Time) string {
	return fmt.Sprintf("%s_%06d", t.Format(runStampLayout), t.Nanosecond()/1000)
}

// parseRunName reports whether name conforms to the run-directory naming
// convention, and if so the creation time it encodes.
func parseRunName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, runDirPrefix) {
		return time.Time{}, false
	}
	stamp := name[len(runDirPrefix):]
	if len(stamp) != len(runStampLayout)+1+microDigits || stamp[len(runStampLayout)] != '_' {
		return time.Time{}, false
	}

	micros := stamp[len(runStampLayout)+1:]
	for _, c := range micros {
		if c < '0' || c > '9' {
			return time.Time{}, false
		}
	}

	base, err := time.Parse(runStampLayout, stamp[:len(runStampLayout)])
	if err != nil {
		return time.Time{}, false
	}
	us, err := strconv.Atoi(micros)
	if err != nil {
		return time.Time{}, false
	}
	return base.Add(time.Duration(us) * time.Microsecond), true
}

// Session represents one execution attempt backed by a dedicated run
// directory with inputs/ and outputs/ subdirectories.
type Session struct {
	ID      string
	Root    string
	Inputs  string
	Outputs string

	createdAt time.Time
	state     sessionState
	fs        FileSystem
	log       *zap.Logger
	result    Result
}

// runManifest is written at the run root so retained runs can be inspected
// after the fact.
type runManifest struct {
	RunID     string    `yaml:"run_id"`
	Image     string    `yaml:"image"`
	CreatedAt time.Time `yaml:"created_at"`
	Variables []string  `yaml:"variables"`
}

// NewSession allocates a fresh, uniquely named run directory under
// generatedDir. A pre-existing directory with the same timestamp-derived
// name is a clock collision and fails with SessionCreateError; the attempt
// is not retried here.
func NewSession(fs FileSystem, clock Clock, log *zap.Logger, generatedDir string) (*Session, error) {
	now := clock.Now()
	id := runDirPrefix + runStamp(now)
	root := filepath.Join(generatedDir, id)

	if err := fs.Mkdir(root, DirPermission); err != nil {
		return nil, &SessionCreateError{Path: root, Err: err}
	}

	inputs := filepath.Join(root, InputsDirName)
	outputs := filepath.Join(root, OutputsDirName)
	if err := fs.Mkdir(inputs, DirPermission); err != nil {
		return nil, &SessionCreateError{Path: inputs, Err: err}
	}
	if err := fs.Mkdir(outputs, DirPermission); err != nil {
		return nil, &SessionCreateError{Path: outputs, Err: err}
	}

	return &Session{
		ID:        id,
		Root:      root,
		Inputs:    inputs,
		Outputs:   outputs,
		createdAt: now,
		state:     stateCreated,
		fs:        fs,
		log:       log,
	}, nil
}

// Populate writes the code text, the bootstrap script, and the serialized
// subset of the namespace the code references into the inputs directory,
// plus a manifest at the run root.
func (s *Session) Populate(m *Marshaler, image, code string, namespace map[string]any) error {
	if s.state != stateCreated {
		return fmt.Errorf("session %s already populated", s.ID)
	}

	if err := s.fs.WriteFile(filepath.Join(s.Inputs, CodeFileName), []byte(code), FilePermission); err != nil {
		return fmt.Errorf("writing code file: %w", err)
	}
	if err := s.fs.WriteFile(filepath.Join(s.Inputs, BootstrapName), []byte(bootstrapScript), FilePermission); err != nil {
		return fmt.Errorf("writing bootstrap script: %w", err)
	}

	used := m.SelectUsed(code, namespace)
	names := make([]string, 0, len(used))
	for name := range used {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := m.Serialize(s.Inputs, name, used[name]); err != nil {
			return err
		}
	}
	s.log.Debug("session populated",
		zap.String("run", s.ID),
		zap.Int("variables", len(names)))

	manifest, err := yaml.Marshal(runManifest{
		RunID:     s.ID,
		Image:     image,
		CreatedAt: s.createdAt,
		Variables: names,
	})
	if err != nil {
		return fmt.Errorf("encoding run manifest: %w", err)
	}
	if err := s.fs.WriteFile(filepath.Join(s.Root, ManifestName), manifest, FilePermission); err != nil {
		return fmt.Errorf("writing run manifest: %w", err)
	}

	s.state = statePopulated
	return nil
}

// Execute invokes the container runtime with this session's directories and
// captures the outcome. A non-zero exit of the sandboxed code is captured
// in the result, not returned as an error.
func (s *Session) Execute(ctx context.Context, rt ContainerRuntime, image string) error {
	if s.state != statePopulated {
		return fmt.Errorf("session %s not populated", s.ID)
	}

	result, err := rt.Run(ctx, image, s.Inputs, s.Outputs)
	if err != nil {
		return err
	}

	s.result = result
	s.state = stateExecuted
	return nil
}

// Collect returns the result captured by Execute.
func (s *Session) Collect() Result {
	if s.state == stateExecuted {
		s.state = stateCollected
	}
	return s.result
}
