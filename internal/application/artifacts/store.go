package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aescanero/alignflow/pkg/domain"
	"github.com/google/uuid"
)

const stagingPrefix = ".staging-"

// Store holds the artifacts available to one pipeline run
type Store struct {
	artifacts map[string]*domain.Artifact
	mu        sync.RWMutex
}

// NewStore creates an empty artifact store
func NewStore() *Store {
	return &Store{
		artifacts: make(map[string]*domain.Artifact),
	}
}

// Seed registers externally supplied pipeline inputs
func (s *Store) Seed(inputs map[string]*domain.Artifact) error {
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := s.Publish(inputs[name]); err != nil {
			return err
		}
	}
	return nil
}

// Publish registers an artifact. Each name may be published once.
func (s *Store) Publish(a *domain.Artifact) error {
	if a == nil || a.Name == "" {
		return fmt.Errorf("artifact name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.artifacts[a.Name]; exists {
		return fmt.Errorf("artifact already published: %s", a.Name)
	}
	s.artifacts[a.Name] = a.Clone()
	return nil
}

// Get returns a copy of the named artifact
func (s *Store) Get(name string) (*domain.Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.artifacts[name]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// Has reports whether the named artifact has been published
func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.artifacts[name]
	return ok
}

// List returns every published artifact sorted by name
func (s *Store) List() []*domain.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Artifact, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Discover resolves an index query against the index artifacts produced
// by q.Producer. Candidates are the artifact path and, for directory
// artifacts, every member file; the pattern is matched against base
// names. Exactly one match is required.
func (s *Store) Discover(q domain.IndexQuery) (string, error) {
	if q.Pattern == "" {
		return "", fmt.Errorf("%w: empty discovery pattern", domain.ErrIndexNotFound)
	}
	if _, err := filepath.Match(q.Pattern, ""); err != nil {
		return "", fmt.Errorf("%w: bad pattern %q: %v", domain.ErrIndexNotFound, q.Pattern, err)
	}

	s.mu.RLock()
	var candidates []string
	for _, a := range s.artifacts {
		if a.Kind != domain.ArtifactKindIndex || a.Producer != q.Producer {
			continue
		}
		if a.Dir {
			candidates = append(candidates, a.Files...)
		} else {
			candidates = append(candidates, a.Path)
		}
	}
	s.mu.RUnlock()

	var matches []string
	for _, c := range candidates {
		if ok, _ := filepath.Match(q.Pattern, filepath.Base(c)); ok {
			matches = append(matches, c)
		}
	}
	sort.Strings(matches)

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: no index matching %q from %s", domain.ErrIndexNotFound, q.Pattern, q.Producer)
	case 1:
		if q.TrimExt {
			return strings.TrimSuffix(matches[0], filepath.Ext(matches[0])), nil
		}
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %d indexes match %q from %s: %s",
			domain.ErrIndexNotFound, len(matches), q.Pattern, q.Producer, strings.Join(matches, ", "))
	}
}

// StagingPath returns a unique sibling path for writing final before it
// is committed. For directory artifacts the staging directory is created.
func StagingPath(final string, dir bool) (string, error) {
	parent := filepath.Dir(final)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	staging := filepath.Join(parent, stagingPrefix+uuid.New().String()+"-"+filepath.Base(final))
	if dir {
		if err := os.Mkdir(staging, 0o755); err != nil {
			return "", fmt.Errorf("failed to create staging directory: %w", err)
		}
	}
	return staging, nil
}

// Verify checks that a staged output was actually produced. Directory
// outputs must contain at least one file; their member names are
// returned relative to the directory.
func Verify(staging string, dir bool) ([]string, error) {
	info, err := os.Stat(staging)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrOutputNotProduced, filepath.Base(staging))
	}
	if !dir {
		if info.IsDir() {
			return nil, fmt.Errorf("%w: %s is a directory", domain.ErrOutputNotProduced, filepath.Base(staging))
		}
		return nil, nil
	}

	entries, err := os.ReadDir(staging)
	if err != nil {
		return nil, fmt.Errorf("failed to read staging directory: %w", err)
	}
	var members []string
	for _, e := range entries {
		if !e.IsDir() {
			members = append(members, e.Name())
		}
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", domain.ErrOutputNotProduced, filepath.Base(staging))
	}
	sort.Strings(members)
	return members, nil
}

// Commit moves a staged output to its final path. A directory left at the
// final path by an earlier run is replaced.
func Commit(staging, final string, dir bool) error {
	if dir {
		if err := os.RemoveAll(final); err != nil {
			return fmt.Errorf("failed to replace %s: %w", final, err)
		}
	}
	if err := os.Rename(staging, final); err != nil {
		return fmt.Errorf("failed to commit %s: %w", final, err)
	}
	return nil
}

// Discard removes a staged output that will not be committed
func Discard(staging string) {
	if staging == "" || !strings.HasPrefix(filepath.Base(staging), stagingPrefix) {
		return
	}
	_ = os.RemoveAll(staging)
}
