package repo

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/freckles-io/freckles/pkg/ferr"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
}

const greet = `
args:
  name:
    type: string
frecklets:
  - frecklet: echo
    vars:
      message: "hello {{:: name ::}}"
`

type mockProvider struct {
	folders map[string][]string
	extra   map[string]map[string]interface{}
	seen    map[string][]string
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) FoldersForAlias(alias string) []string { return m.folders[alias] }

func (m *mockProvider) ExtraFrecklets(resources map[string][]string) (map[string]map[string]interface{}, error) {
	m.seen = resources
	return m.extra, nil
}

type countingFetcher struct {
	mu    sync.Mutex
	calls int
}

func (c *countingFetcher) Supports(Spec) bool { return true }

func (c *countingFetcher) Fetch(_ context.Context, _ Spec, dest string) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dest, "remote-one.frecklet"), []byte("- echo\n"), 0o644)
}

func TestParseSpec(t *testing.T) {
	tests := []struct {
		in   string
		want Spec
	}{
		{"/opt/frecklets", Spec{URL: "/opt/frecklets", ContentType: ContentMixed}},
		{"/opt/roles::roles", Spec{URL: "/opt/roles", ContentType: ContentRoles}},
		{"gh:freckles-io/frecklets", Spec{URL: "https://github.com/freckles-io/frecklets.git", ContentType: ContentMixed}},
		{"https://example.com/r.git#develop::frecklets", Spec{URL: "https://example.com/r.git", Branch: "develop", ContentType: ContentFrecklets}},
	}
	for _, tt := range tests {
		got, err := ParseSpec(tt.in)
		if err != nil {
			t.Fatalf("Expected no error for %s, got: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Expected %+v, got: %+v", tt.want, got)
		}
	}
	if _, err := ParseSpec("/x::bogus"); err == nil {
		t.Error("Expected error for unknown content type")
	}
	if !(Spec{URL: "https://x/y.tar.gz"}).IsArchive() || (Spec{URL: "https://x/y.git"}).IsArchive() {
		t.Error("Unexpected archive detection")
	}
}

func TestOpenIndexesLocalRepos(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first")
	second := filepath.Join(dir, "second")
	writeFile(t, filepath.Join(first, "greet.frecklet"), greet)
	writeFile(t, filepath.Join(first, "nested", "deep.frecklet"), "- echo\n")
	writeFile(t, filepath.Join(first, "broken.frecklet"), "frecklets: [\n")
	writeFile(t, filepath.Join(first, ".hidden", "secret.frecklet"), "- echo\n")
	writeFile(t, filepath.Join(first, "roles", "nginx", "tasks", "main.yml"), "- debug: msg=x\n")
	writeFile(t, filepath.Join(first, "scriptlings", "hello.sh"), "echo hi\n")
	writeFile(t, filepath.Join(second, "greet.frecklet"), "- other\n")

	provider := &mockProvider{extra: map[string]map[string]interface{}{
		"echo":  {"args": map[string]interface{}{"message": map[string]interface{}{"type": "string"}}, "frecklets": []interface{}{map[string]interface{}{"task": map[string]interface{}{"command": "echo"}, "frecklet": map[string]interface{}{"name": "echo", "type": "shell-command"}}}},
		"greet": {"frecklets": []interface{}{"ignored"}},
	}}

	s, err := Open(context.Background(), []Spec{{URL: first, ContentType: ContentMixed}, {URL: second, ContentType: ContentMixed}}, Options{
		Providers: []ResourceProvider{provider},
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer func() { _ = s.Close() }()

	want := []string{"broken", "deep", "echo", "greet"}
	if got := s.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected names %v, got: %v", want, got)
	}

	g, ok := s.Get("greet")
	if !ok || g.Path != filepath.Join(first, "greet.frecklet") {
		t.Errorf("Expected first-loaded greet to win, got: %+v", g)
	}
	if echo, _ := s.Get("echo"); echo.Origin != "adapter:mock" {
		t.Errorf("Expected virtual frecklet origin, got: %s", echo.Origin)
	}

	invalid := s.Invalid()
	if len(invalid) != 1 || invalid[0].ID != "broken" || !ferr.IsInvalidFrecklet(invalid[0].Err()) {
		t.Errorf("Expected broken frecklet recorded as invalid, got: %v", invalid)
	}

	if roles := s.Resources(ResourceRoles); !reflect.DeepEqual(roles, []string{filepath.Join(first, "roles")}) {
		t.Errorf("Expected roles folder, got: %v", roles)
	}
	if len(provider.seen[ResourceScriptlings]) != 1 {
		t.Errorf("Expected provider to see scriptlings folder, got: %v", provider.seen)
	}
}

func TestAliases(t *testing.T) {
	dir := t.TempDir()
	user := filepath.Join(dir, "user")
	adapterDir := filepath.Join(dir, "adapter")
	writeFile(t, filepath.Join(user, "mine.frecklet"), "- echo\n")
	writeFile(t, filepath.Join(adapterDir, "builtin.frecklet"), "- echo\n")

	provider := &mockProvider{folders: map[string][]string{AliasDefault: {adapterDir}}}
	s, err := Open(context.Background(), []Spec{{URL: AliasDefault, ContentType: ContentMixed}, {URL: AliasUser, ContentType: ContentMixed}}, Options{
		UserFolder: user,
		Providers:  []ResourceProvider{provider},
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer func() { _ = s.Close() }()

	if got := s.Names(); !reflect.DeepEqual(got, []string{"builtin", "mine"}) {
		t.Errorf("Expected alias folders to be indexed, got: %v", got)
	}

	// missing alias folders are not an error, missing explicit paths are
	if _, err := Open(context.Background(), []Spec{{URL: AliasUser, ContentType: ContentMixed}}, Options{UserFolder: filepath.Join(dir, "nope"), Logger: zerolog.Nop()}); err != nil {
		t.Errorf("Expected missing alias folder to be skipped, got: %v", err)
	}
	if _, err := Open(context.Background(), []Spec{{URL: filepath.Join(dir, "nope"), ContentType: ContentMixed}}, Options{Logger: zerolog.Nop()}); !ferr.IsConfig(err) {
		t.Errorf("Expected ConfigError for missing repo, got: %v", err)
	}
}

func TestRemoteFreshness(t *testing.T) {
	dir := t.TempDir()
	fetcher := &countingFetcher{}
	opts := Options{
		CacheDir:             filepath.Join(dir, "cache"),
		FreshnessDB:          filepath.Join(dir, "cache", "repos.solo"),
		RemoteCacheValidTime: time.Hour,
		Fetcher:              fetcher,
		Logger:               zerolog.Nop(),
	}
	spec := Spec{URL: "https://example.com/frecklets.git", ContentType: ContentMixed}

	for i := 0; i < 2; i++ {
		s, err := Open(context.Background(), []Spec{spec}, opts)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if _, ok := s.Get("remote-one"); !ok {
			t.Error("Expected remote frecklet to be indexed")
		}
		_ = s.Close()
	}
	if fetcher.calls != 1 {
		t.Errorf("Expected one fetch within the cache window, got: %d", fetcher.calls)
	}

	opts.RemoteCacheValidTime = 0
	for i := 0; i < 2; i++ {
		s, err := Open(context.Background(), []Spec{{URL: "https://example.com/other.git", ContentType: ContentMixed}}, opts)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		_ = s.Close()
	}
	if fetcher.calls != 3 {
		t.Errorf("Expected a fetch per open without cache window, got: %d", fetcher.calls)
	}
}

func TestAuthorize(t *testing.T) {
	denied := ferr.NewUnlockRequired("locked", nil)
	_, err := Open(context.Background(), []Spec{{URL: "https://example.com/r.git", ContentType: ContentMixed}}, Options{
		CacheDir:  t.TempDir(),
		Fetcher:   &countingFetcher{},
		Authorize: func(context.Context, string, string, bool) error { return denied },
		Logger:    zerolog.Nop(),
	})
	if !ferr.IsUnlockRequired(err) {
		t.Errorf("Expected authorizer error, got: %v", err)
	}
}

func TestArchiveFetcher(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "repo.tar.gz")
	f, err := os.Create(archive)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	content := []byte("- echo\n")
	if err := tw.WriteHeader(&tar.Header{Name: "frecklets-main/packed.frecklet", Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	_, _ = tw.Write(content)
	_ = tw.Close()
	_ = gz.Close()
	_ = f.Close()

	s, err := Open(context.Background(), []Spec{{URL: "file://" + archive, ContentType: ContentMixed}}, Options{
		CacheDir: filepath.Join(dir, "cache"),
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer func() { _ = s.Close() }()
	if _, ok := s.Get("packed"); !ok {
		t.Errorf("Expected frecklet from archive, got: %v", s.Names())
	}
}

func TestDynamic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "local.frecklet")
	writeFile(t, path, greet)

	s, err := Open(context.Background(), nil, Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	f, err := s.Lookup(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if f.ID != "dyn-1-local" {
		t.Errorf("Expected dyn-1-local, got: %s", f.ID)
	}

	id, err := s.AddDynamic("- frecklet: echo\n  vars:\n    message: hi\n")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if id != "dyn-2-inline" {
		t.Errorf("Expected dyn-2-inline, got: %s", id)
	}

	if err := s.Reload(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, ok := s.Get(id); !ok {
		t.Error("Expected dynamic frecklets to survive a reload")
	}

	if _, err := s.Lookup("does-not-exist"); !ferr.IsInvalidFrecklet(err) {
		t.Errorf("Expected InvalidFrecklet, got: %v", err)
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "one.frecklet"), "- echo\n")
	s, err := Open(context.Background(), []Spec{{URL: dir, ContentType: ContentMixed}}, Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	changed := make(chan []string, 4)
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx, func(names []string) { changed <- names }) }()

	// give the watcher time to register
	time.Sleep(200 * time.Millisecond)
	writeFile(t, filepath.Join(dir, "two.frecklet"), "- echo\n")

	select {
	case names := <-changed:
		if !reflect.DeepEqual(names, []string{"one", "two"}) {
			t.Errorf("Expected re-indexed names, got: %v", names)
		}
	case <-ctx.Done():
		t.Fatal("Expected a change notification")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
}
