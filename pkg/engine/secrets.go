package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/zalando/go-keyring"

	"github.com/freckles-io/freckles/pkg/ferr"
)

// KeyringService is the service name of secrets stored in the OS keyring.
const KeyringService = "freckles"

// Keyring reads and stores secrets.
type Keyring interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// ErrSecretNotFound is returned by a Keyring that has no value for a key.
var ErrSecretNotFound = errors.New("secret not found")

// SystemKeyring stores secrets in the OS keyring.
type SystemKeyring struct {
	service string
}

// NewSystemKeyring creates a keyring backend for the freckles service.
func NewSystemKeyring() *SystemKeyring {
	return &SystemKeyring{service: KeyringService}
}

// Get retrieves a secret.
func (k *SystemKeyring) Get(key string) (string, error) {
	value, err := keyring.Get(k.service, key)
	if err != nil {
		if err == keyring.ErrNotFound {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("failed to read secret %s from keyring: %w", key, err)
	}
	return value, nil
}

// Set stores a secret.
func (k *SystemKeyring) Set(key, value string) error {
	return keyring.Set(k.service, key, value)
}

// HuhPrompter prompts on the terminal with a masked input field.
type HuhPrompter struct{}

// Password implements Prompter.
func (HuhPrompter) Password(ctx context.Context, title, description string) (string, error) {
	var value string
	field := huh.NewInput().
		Title(title).
		Description(description).
		EchoMode(huh.EchoModePassword).
		Value(&value)
	if err := huh.NewForm(huh.NewGroup(field)).RunWithContext(ctx); err != nil {
		return "", fmt.Errorf("prompt %q: %w", title, err)
	}
	return value, nil
}

// StdinIsTerminal reports whether standard input is an interactive terminal.
func StdinIsTerminal() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// SecretResolver replaces "ask" sentinels with values from the keyring or
// an interactive prompt. Without a terminal it fails instead of blocking.
type SecretResolver struct {
	// Prompter asks the user, nil disables prompting.
	Prompter Prompter

	// Keyring is consulted before prompting when set.
	Keyring Keyring

	// IsTerminal reports whether prompting is possible.
	IsTerminal func() bool

	logger zerolog.Logger
}

// NewSecretResolver creates a resolver prompting through huh when stdin is
// a terminal.
func NewSecretResolver(kr Keyring, logger zerolog.Logger) *SecretResolver {
	return &SecretResolver{
		Prompter:   HuhPrompter{},
		Keyring:    kr,
		IsTerminal: StdinIsTerminal,
		logger:     logger.With().Str("component", "secrets").Logger(),
	}
}

// Resolve returns the value for key. description is shown in the prompt.
func (s *SecretResolver) Resolve(ctx context.Context, key, description string) (string, error) {
	if s.Keyring != nil {
		value, err := s.Keyring.Get(key)
		switch {
		case err == nil:
			s.logger.Debug().Str("key", key).Msg("Secret read from keyring")
			return value, nil
		case !errors.Is(err, ErrSecretNotFound):
			s.logger.Warn().Err(err).Str("key", key).Msg("Keyring lookup failed")
		}
	}

	if s.Prompter == nil || s.IsTerminal == nil || !s.IsTerminal() {
		return "", ferr.NewConfigError(fmt.Sprintf("value for '%s' is required but no terminal is available to ask for it", key), nil).
			WithKeys(key).
			WithSolution("pass the value explicitly or store it in the keyring")
	}
	return s.Prompter.Password(ctx, fmt.Sprintf("%s:", key), description)
}

// ResolveInventory asks once for every secret key bound to the sentinel.
// Other keys keep the literal value.
func (s *SecretResolver) ResolveInventory(ctx context.Context, inv *Inventory, descriptions map[string]string) error {
	for _, key := range inv.AskKeys() {
		if !inv.IsSecret(key) {
			continue
		}
		value, err := s.Resolve(ctx, key, descriptions[key])
		if err != nil {
			return err
		}
		inv.Set(key, value)
	}
	return nil
}

// ResolveRunConfig fills become_pass and ssh_pass sentinels. When elevation
// is needed on localhost and sudo needs a password, become_pass is asked
// for even if the caller did not request it.
func (s *SecretResolver) ResolveRunConfig(ctx context.Context, cfg *RunConfig, needsBecome, local bool, checker SudoChecker) error {
	if needsBecome && local && cfg.BecomePass == "" && checker != nil && !checker.CanSudoWithoutPassword(ctx) {
		s.logger.Debug().Msg("Passwordless sudo not available, asking for become password")
		cfg.BecomePass = Ask
	}
	if IsAsk(cfg.BecomePass) {
		v, err := s.Resolve(ctx, "become_pass", "Password for privilege escalation (sudo)")
		if err != nil {
			return err
		}
		cfg.BecomePass = v
	}
	if IsAsk(cfg.SSHPass) {
		v, err := s.Resolve(ctx, "ssh_pass", fmt.Sprintf("SSH password for %s", cfg.Target))
		if err != nil {
			return err
		}
		cfg.SSHPass = v
	}
	return nil
}

// CommandSudoChecker runs `sudo -n true`.
type CommandSudoChecker struct {
	Timeout time.Duration
}

// CanSudoWithoutPassword implements SudoChecker.
func (p CommandSudoChecker) CanSudoWithoutPassword(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if os.Geteuid() == 0 {
		return true
	}
	return exec.CommandContext(ctx, "sudo", "-n", "true").Run() == nil
}
