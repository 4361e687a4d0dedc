// Package repo indexes frecklets from local and remote repositories.
package repo

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/freckles-io/freckles/pkg/schema"
)

// Content types of a repository.
const (
	ContentFrecklets = "frecklets"
	ContentRoles     = "roles"
	ContentTasklists = "tasklists"
	ContentMixed     = "mixed"
)

// Well-known repository aliases.
const (
	AliasDefault   = "default"
	AliasUser      = "user"
	AliasCommunity = "community"
)

// CommunityURL is the repository behind the community alias.
const CommunityURL = "https://github.com/freckles-io/frecklets.git"

// Spec describes one repository.
type Spec struct {
	// URL is a local path or a remote git/archive URL.
	URL string `json:"url" validate:"required"`

	// ContentType decides what is indexed below the repository root.
	ContentType string `json:"content_type" validate:"oneof=frecklets roles tasklists mixed"`

	// Alias is set when the spec was expanded from a well-known alias.
	Alias string `json:"alias,omitempty"`

	// Branch selects a git branch of remote repositories.
	Branch string `json:"branch,omitempty"`
}

// ParseSpec parses `URL[#BRANCH][::TYPE]`. gh:owner/repo is shorthand
// for the github https URL.
func ParseSpec(s string) (Spec, error) {
	s = strings.TrimSpace(s)
	spec := Spec{ContentType: ContentMixed}

	// "::" may not be the scheme separator of the URL
	if idx := strings.LastIndex(s, "::"); idx > 0 && !strings.Contains(s[idx+2:], "/") {
		spec.ContentType = s[idx+2:]
		s = s[:idx]
	}
	if idx := strings.LastIndex(s, "#"); idx > 0 {
		spec.Branch = s[idx+1:]
		s = s[:idx]
	}
	if strings.HasPrefix(s, "gh:") {
		s = "https://github.com/" + strings.TrimSuffix(strings.TrimPrefix(s, "gh:"), ".git") + ".git"
	}
	spec.URL = s

	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// Validate checks the spec fields.
func (s Spec) Validate() error {
	if err := schema.Validator().Struct(s); err != nil {
		return fmt.Errorf("invalid repository spec %q: %w", s.URL, err)
	}
	return nil
}

// IsAlias reports whether the URL is a well-known alias.
func (s Spec) IsAlias() bool {
	switch s.URL {
	case AliasDefault, AliasUser, AliasCommunity:
		return true
	}
	return false
}

// IsRemote reports whether the repository must be fetched.
func (s Spec) IsRemote() bool {
	for _, prefix := range []string{"https://", "http://", "git@", "ssh://", "git://", "file://"} {
		if strings.HasPrefix(s.URL, prefix) {
			return true
		}
	}
	return false
}

// IsArchive reports whether the URL points to an archive instead of a git
// repository.
func (s Spec) IsArchive() bool {
	lower := strings.ToLower(s.URL)
	for _, ext := range []string{".tar.gz", ".tgz", ".tar.xz", ".tar.bz2", ".tar.zst", ".zip", ".tar"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// Key identifies the checkout of a remote spec.
func (s Spec) Key() string {
	sum := sha256.Sum256([]byte(s.URL + "#" + s.Branch))
	return hex.EncodeToString(sum[:])[:16]
}

// CachePath returns the checkout folder of a remote spec below base.
func (s Spec) CachePath(base string) string {
	return filepath.Join(base, s.Key())
}

// String renders the spec in its parseable form.
func (s Spec) String() string {
	out := s.URL
	if s.Branch != "" {
		out += "#" + s.Branch
	}
	if s.ContentType != "" && s.ContentType != ContentMixed {
		out += "::" + s.ContentType
	}
	return out
}
