package repo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mholt/archives"
)

// Fetcher materializes a remote repository into a local directory.
type Fetcher interface {
	// Supports reports whether the fetcher handles the spec.
	Supports(spec Spec) bool

	// Fetch creates or updates dest from the spec.
	Fetch(ctx context.Context, spec Spec, dest string) error
}

// GitFetcher clones and pulls git repositories with the git binary.
type GitFetcher struct {
	Executable string
}

// NewGitFetcher creates a git fetcher using git from PATH.
func NewGitFetcher() *GitFetcher {
	return &GitFetcher{Executable: "git"}
}

// Supports implements Fetcher.
func (g *GitFetcher) Supports(spec Spec) bool {
	return spec.IsRemote() && !spec.IsArchive()
}

// Fetch implements Fetcher.
func (g *GitFetcher) Fetch(ctx context.Context, spec Spec, dest string) error {
	if _, err := os.Stat(filepath.Join(dest, ".git")); err == nil {
		return g.run(ctx, "-C", dest, "pull", "--ff-only", "--quiet")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	// a failed earlier clone may have left a partial directory behind
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("failed to clean %s: %w", dest, err)
	}
	args := []string{"clone", "--depth", "1", "--quiet"}
	if spec.Branch != "" {
		args = append(args, "--branch", spec.Branch)
	}
	args = append(args, spec.URL, dest)
	return g.run(ctx, args...)
}

func (g *GitFetcher) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, g.Executable, args...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ArchiveFetcher downloads an archive over HTTPS and extracts it.
type ArchiveFetcher struct {
	Client  *http.Client
	MaxSize int64
}

// NewArchiveFetcher creates an archive fetcher with a 100 MB size limit.
func NewArchiveFetcher() *ArchiveFetcher {
	return &ArchiveFetcher{
		Client:  &http.Client{Timeout: 5 * time.Minute},
		MaxSize: 100 * 1024 * 1024,
	}
}

// Supports implements Fetcher.
func (a *ArchiveFetcher) Supports(spec Spec) bool {
	return spec.IsArchive() && (strings.HasPrefix(spec.URL, "https://") || strings.HasPrefix(spec.URL, "file://"))
}

// Fetch implements Fetcher. The archive replaces dest completely.
func (a *ArchiveFetcher) Fetch(ctx context.Context, spec Spec, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if err := a.download(ctx, spec.URL, tmp); err != nil {
		return err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}

	staging := dest + ".extract"
	_ = os.RemoveAll(staging)
	if err := extract(ctx, spec.URL, tmp, staging); err != nil {
		_ = os.RemoveAll(staging)
		return err
	}
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("failed to replace %s: %w", dest, err)
	}
	return os.Rename(staging, dest)
}

func (a *ArchiveFetcher) download(ctx context.Context, url string, w io.Writer) error {
	if path, ok := strings.CutPrefix(url, "file://"); ok {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		defer func() { _ = f.Close() }()
		return a.copyLimited(w, f)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "freckles")
	resp, err := a.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download of %s returned status %d", url, resp.StatusCode)
	}
	return a.copyLimited(w, resp.Body)
}

func (a *ArchiveFetcher) copyLimited(w io.Writer, r io.Reader) error {
	n, err := io.Copy(w, io.LimitReader(r, a.MaxSize+1))
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}
	if n > a.MaxSize {
		return fmt.Errorf("archive exceeds the size limit of %d bytes", a.MaxSize)
	}
	return nil
}

func extract(ctx context.Context, name string, r io.Reader, dest string) error {
	format, reader, err := archives.Identify(ctx, name, r)
	if err != nil {
		return fmt.Errorf("failed to identify archive format: %w", err)
	}
	extractor, ok := format.(archives.Extractor)
	if !ok {
		return fmt.Errorf("format does not support extraction: %s", name)
	}

	root := filepath.Clean(dest) + string(os.PathSeparator)
	handler := func(ctx context.Context, f archives.FileInfo) error {
		out := filepath.Join(dest, f.NameInArchive)
		if !strings.HasPrefix(out, root) {
			return fmt.Errorf("archive entry %q escapes the target directory", f.NameInArchive)
		}
		if f.IsDir() {
			return os.MkdirAll(out, 0o755)
		}
		if !f.Mode().IsRegular() {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return fmt.Errorf("failed to create parent directory: %w", err)
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("failed to open file in archive: %w", err)
		}
		defer func() { _ = rc.Close() }()

		outFile, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode().Perm()|0o600)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer func() { _ = outFile.Close() }()
		if _, err := io.Copy(outFile, rc); err != nil {
			return fmt.Errorf("failed to extract file: %w", err)
		}
		return nil
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	if err := extractor.Extract(ctx, reader, handler); err != nil {
		return fmt.Errorf("extraction failed: %w", err)
	}
	return nil
}

// MultiFetcher delegates to the first fetcher that supports a spec.
type MultiFetcher []Fetcher

// DefaultFetcher handles archives and git repositories.
func DefaultFetcher() MultiFetcher {
	return MultiFetcher{NewArchiveFetcher(), NewGitFetcher()}
}

// Supports implements Fetcher.
func (m MultiFetcher) Supports(spec Spec) bool {
	for _, f := range m {
		if f.Supports(spec) {
			return true
		}
	}
	return false
}

// Fetch implements Fetcher.
func (m MultiFetcher) Fetch(ctx context.Context, spec Spec, dest string) error {
	for _, f := range m {
		if f.Supports(spec) {
			return f.Fetch(ctx, spec, dest)
		}
	}
	return fmt.Errorf("no fetcher for repository %s", spec.URL)
}
