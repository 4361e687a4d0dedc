package repo

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/freckles-io/freckles/pkg/ferr"
	"github.com/freckles-io/freckles/pkg/frecklet"
	"github.com/freckles-io/freckles/pkg/fslock"
)

// Resource types adapters can ask the store for.
const (
	ResourceRoles       = "roles"
	ResourceTasklists   = "tasklists"
	ResourceScriptlings = "scriptlings"
)

var resourceDirs = map[string]bool{
	ResourceRoles:       true,
	ResourceTasklists:   true,
	ResourceScriptlings: true,
}

// ResourceProvider contributes repository folders and virtual frecklets.
// Adapters implement it.
type ResourceProvider interface {
	Name() string
	FoldersForAlias(alias string) []string
	ExtraFrecklets(resources map[string][]string) (map[string]map[string]interface{}, error)
}

// Authorizer decides whether a repository may be opened.
type Authorizer func(ctx context.Context, alias, url string, remote bool) error

// Options configure a store.
type Options struct {
	// CacheDir holds checkouts of remote repositories.
	CacheDir string

	// FreshnessDB is the path of the fetch record database, no records
	// are kept if empty.
	FreshnessDB string

	// UserFolder is the folder behind the user alias.
	UserFolder string

	// RemoteCacheValidTime is how long a fetched repository is not pulled
	// again.
	RemoteCacheValidTime time.Duration

	Providers []ResourceProvider
	Fetcher   Fetcher
	Authorize Authorizer
	Logger    zerolog.Logger
}

// Root is a materialized repository.
type Root struct {
	Spec Spec
	Path string
}

// Store is the frecklet index. It is read-mostly and safe for concurrent
// use.
type Store struct {
	mu        sync.RWMutex
	opts      Options
	roots     []Root
	frecklets map[string]*frecklet.Frecklet
	resources map[string][]string
	dynamic   int
	freshness *Freshness
	logger    zerolog.Logger
}

// Open resolves the specs, fetches remote repositories that are not fresh
// and indexes everything.
func Open(ctx context.Context, specs []Spec, opts Options) (*Store, error) {
	if opts.Fetcher == nil {
		opts.Fetcher = DefaultFetcher()
	}
	s := &Store{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "recipe-store").Logger(),
	}

	if opts.FreshnessDB != "" {
		fr, err := OpenFreshness(opts.FreshnessDB)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Remote repositories will be fetched on every run")
		} else {
			s.freshness = fr
		}
	}

	resolved, err := s.resolve(specs)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	for _, spec := range resolved {
		root, ok, err := s.materialize(ctx, spec)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		if ok {
			s.roots = append(s.roots, root)
		}
	}

	if err := s.Reload(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// resolve expands aliases into concrete specs, dropping duplicates.
func (s *Store) resolve(specs []Spec) ([]Spec, error) {
	var out []Spec
	seen := map[string]bool{}
	add := func(spec Spec) {
		key := spec.String()
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, spec)
	}

	for _, spec := range specs {
		if !spec.IsAlias() {
			add(spec)
			continue
		}
		alias := spec.URL
		switch alias {
		case AliasUser:
			if s.opts.UserFolder != "" {
				add(Spec{URL: s.opts.UserFolder, ContentType: ContentMixed, Alias: alias})
			}
		case AliasCommunity:
			add(Spec{URL: CommunityURL, ContentType: ContentFrecklets, Alias: alias})
		}
		for _, p := range s.opts.Providers {
			for _, folder := range p.FoldersForAlias(alias) {
				ps, err := ParseSpec(folder)
				if err != nil {
					return nil, ferr.NewConfigError(fmt.Sprintf("adapter %s returned an invalid repository", p.Name()), err)
				}
				ps.Alias = alias
				add(ps)
			}
		}
	}
	return out, nil
}

// materialize returns the local root of a spec. Missing folders of aliases
// are skipped silently.
func (s *Store) materialize(ctx context.Context, spec Spec) (Root, bool, error) {
	if s.opts.Authorize != nil {
		if err := s.opts.Authorize(ctx, spec.Alias, spec.URL, spec.IsRemote()); err != nil {
			return Root{}, false, err
		}
	}

	if !spec.IsRemote() {
		path, err := filepath.Abs(expandHome(spec.URL))
		if err != nil {
			return Root{}, false, ferr.NewConfigError("invalid repository path", err).WithPath(spec.URL)
		}
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			if spec.Alias != "" {
				s.logger.Debug().Str("path", path).Str("alias", spec.Alias).Msg("Skipping missing alias folder")
				return Root{}, false, nil
			}
			return Root{}, false, ferr.NewConfigError(fmt.Sprintf("repository '%s' does not exist", spec.URL), err).
				WithPath(path).
				WithSolution("check the --repo arguments and the 'repos' context key")
		}
		return Root{Spec: spec, Path: path}, true, nil
	}

	dest := spec.CachePath(s.opts.CacheDir)
	lockPath := filepath.Join(s.opts.CacheDir, spec.Key()+".lock")
	err := fslock.With(ctx, lockPath, func() error {
		fresh, err := s.freshness.Fresh(spec)
		if err != nil {
			s.logger.Warn().Err(err).Str("url", spec.URL).Msg("Cannot read repository freshness")
		}
		if _, statErr := os.Stat(dest); fresh && statErr == nil {
			s.logger.Debug().Str("url", spec.URL).Msg("Remote repository is fresh")
			return nil
		}

		s.logger.Info().Str("url", spec.URL).Str("dest", dest).Msg("Fetching remote repository")
		if err := s.opts.Fetcher.Fetch(ctx, spec, dest); err != nil {
			return err
		}
		return s.freshness.Touch(spec, s.opts.RemoteCacheValidTime)
	})
	if err != nil {
		return Root{}, false, ferr.NewConfigError(fmt.Sprintf("cannot fetch repository '%s'", spec.URL), err).
			WithPath(dest)
	}
	return Root{Spec: spec, Path: dest}, true, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// Reload re-indexes all repository roots and virtual frecklets. Remote
// repositories are not fetched again.
func (s *Store) Reload() error {
	frecklets := map[string]*frecklet.Frecklet{}
	resources := map[string][]string{}

	add := func(f *frecklet.Frecklet) {
		if existing, ok := frecklets[f.ID]; ok {
			s.logger.Warn().
				Str("frecklet", f.ID).
				Str("kept", describeOrigin(existing)).
				Str("ignored", describeOrigin(f)).
				Msg("Duplicate frecklet id")
			return
		}
		frecklets[f.ID] = f
	}

	for _, root := range s.roots {
		if err := indexRoot(root, add, resources); err != nil {
			return ferr.NewConfigError(fmt.Sprintf("cannot index repository '%s'", root.Spec.URL), err).WithPath(root.Path)
		}
	}

	for _, p := range s.opts.Providers {
		extra, err := p.ExtraFrecklets(resources)
		if err != nil {
			s.logger.Warn().Err(err).Str("adapter", p.Name()).Msg("Cannot load virtual frecklets")
			continue
		}
		for _, name := range sortedNames(extra) {
			f, err := frecklet.FromMap(name, extra[name])
			if err != nil {
				f = frecklet.NewInvalid(name, "", err)
			}
			f.Origin = "adapter:" + p.Name()
			add(f)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// dynamic frecklets survive a reload
	for id, f := range s.frecklets {
		if strings.HasPrefix(f.Origin, originDynamic) {
			frecklets[id] = f
		}
	}
	s.frecklets = frecklets
	s.resources = resources

	s.logger.Debug().
		Int("frecklets", len(frecklets)).
		Int("repos", len(s.roots)).
		Msg("Repositories indexed")
	return nil
}

func describeOrigin(f *frecklet.Frecklet) string {
	if f.Path != "" {
		return f.Path
	}
	return f.Origin
}

func indexRoot(root Root, add func(*frecklet.Frecklet), resources map[string][]string) error {
	switch root.Spec.ContentType {
	case ContentRoles:
		resources[ResourceRoles] = append(resources[ResourceRoles], root.Path)
		return nil
	case ContentTasklists:
		resources[ResourceTasklists] = append(resources[ResourceTasklists], root.Path)
		return nil
	}

	origin := root.Spec.Alias
	if origin == "" {
		origin = root.Spec.URL
	}
	return filepath.WalkDir(root.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root.Path && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			if path != root.Path && resourceDirs[name] {
				if root.Spec.ContentType == ContentMixed {
					resources[name] = append(resources[name], path)
				}
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(name, frecklet.FileExtension) {
			return nil
		}

		id := frecklet.IDFromFilename(name)
		data, err := os.ReadFile(path)
		if err != nil {
			add(frecklet.NewInvalid(id, path, err))
			return nil
		}
		f, err := frecklet.Parse(id, data)
		if err != nil {
			f = frecklet.NewInvalid(id, path, err)
		}
		f.Path = path
		f.Origin = origin
		add(f)
		return nil
	})
}

func sortedNames(m map[string]map[string]interface{}) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get returns the frecklet with the given id, invalid frecklets included.
func (s *Store) Get(name string) (*frecklet.Frecklet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.frecklets[name]
	return f, ok
}

// Names returns all frecklet ids in sorted order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.frecklets))
	for n := range s.frecklets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Invalid returns the frecklets that failed to load.
func (s *Store) Invalid() []*frecklet.Frecklet {
	var out []*frecklet.Frecklet
	for _, name := range s.Names() {
		if f, _ := s.Get(name); !f.Valid() {
			out = append(out, f)
		}
	}
	return out
}

// Roots returns the materialized repositories.
func (s *Store) Roots() []Root {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Root(nil), s.roots...)
}

// Resources returns the folders of a resource type in repository order.
func (s *Store) Resources(resourceType string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.resources[resourceType]...)
}

// AllResources returns a copy of all resource folders by type.
func (s *Store) AllResources() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string, len(s.resources))
	for k, v := range s.resources {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// RepoNames returns the configured repositories for error messages.
func (s *Store) RepoNames() []string {
	roots := s.Roots()
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		out = append(out, r.Spec.String())
	}
	return out
}

// Close releases the freshness database.
func (s *Store) Close() error {
	return s.freshness.Close()
}
