package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/freckles-io/freckles/pkg/ferr"
	"github.com/freckles-io/freckles/pkg/frecklet"
)

const originDynamic = "dynamic"

// IsInline reports whether s looks like inline YAML rather than a name or
// a path.
func IsInline(s string) bool {
	t := strings.TrimSpace(s)
	return strings.Contains(t, "\n") ||
		strings.HasPrefix(t, "{") ||
		strings.HasPrefix(t, "[") ||
		strings.HasPrefix(t, "- ") ||
		strings.HasPrefix(t, "frecklets:")
}

// AddDynamic indexes a frecklet file or an inline YAML literal under a
// fresh id and returns that id.
func (s *Store) AddDynamic(pathOrInline string) (string, error) {
	var (
		data []byte
		base = "inline"
		path string
	)

	if IsInline(pathOrInline) {
		data = []byte(pathOrInline)
	} else {
		abs, err := filepath.Abs(expandHome(pathOrInline))
		if err != nil {
			return "", ferr.NewInvalidFrecklet(fmt.Sprintf("invalid frecklet path '%s'", pathOrInline), err)
		}
		data, err = os.ReadFile(abs)
		if err != nil {
			return "", ferr.NewInvalidFrecklet(fmt.Sprintf("frecklet '%s' not found", pathOrInline), err).
				WithPath(abs).
				WithSolution("use the name of a frecklet in one of the configured repositories, a path, or inline yaml")
		}
		path = abs
		base = frecklet.IDFromFilename(filepath.Base(abs))
	}

	s.mu.Lock()
	s.dynamic++
	id := fmt.Sprintf("dyn-%d-%s", s.dynamic, base)
	s.mu.Unlock()

	f, err := frecklet.Parse(id, data)
	if err != nil {
		f = frecklet.NewInvalid(id, path, err)
	}
	f.Path = path
	f.Origin = originDynamic

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frecklets == nil {
		s.frecklets = map[string]*frecklet.Frecklet{}
	}
	s.frecklets[id] = f
	s.logger.Debug().Str("frecklet", id).Str("path", path).Msg("Dynamic frecklet added")
	return id, f.Err()
}

// Lookup returns a known frecklet by name, falling back to AddDynamic for
// paths and inline YAML.
func (s *Store) Lookup(nameOrPath string) (*frecklet.Frecklet, error) {
	if f, ok := s.Get(nameOrPath); ok {
		return f, f.Err()
	}
	if !IsInline(nameOrPath) {
		if _, err := os.Stat(expandHome(nameOrPath)); err != nil {
			return nil, ferr.NewInvalidFrecklet(fmt.Sprintf("frecklet '%s' not found", nameOrPath), err).
				WithReason("no frecklet with that name in: %s", strings.Join(s.RepoNames(), ", ")).
				WithSolution("add the repository that contains it with --repo, or pass a path to a frecklet file")
		}
	}
	id, err := s.AddDynamic(nameOrPath)
	if err != nil {
		return nil, err
	}
	f, _ := s.Get(id)
	return f, nil
}
