package vault

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/term"
)

// Ref names a secret held by the vault. Connection specs carry refs, never
// the secret values themselves.
type Ref string

const (
	// RefAuth is the SSH authentication secret.
	RefAuth Ref = "auth"
	// RefElevation is the sudo elevation secret.
	RefElevation Ref = "elevation"
)

// SecretProvider supplies a secret value on demand. The terminal provider
// prompts without echo; tests inject fixed values through StaticProvider.
type SecretProvider interface {
	Obtain(prompt string) (string, error)
}

// Vault holds connection and elevation secrets in memory only. Nothing is
// ever written to disk or logs; Scrub lets sinks strip any stored secret
// from text before it is emitted.
type Vault struct {
	mu       sync.RWMutex
	secrets  map[Ref]string
	provider SecretProvider
}

// New creates an empty Vault backed by the given provider.
func New(p SecretProvider) *Vault {
	return &Vault{
		secrets:  make(map[Ref]string),
		provider: p,
	}
}

// Store places a secret directly into the vault, bypassing the provider.
func (v *Vault) Store(ref Ref, value string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[ref] = value
}

// Require ensures the secret for ref is present, obtaining it from the
// provider if needed. An empty value from the provider is an error.
func (v *Vault) Require(ref Ref, prompt string) error {
	v.mu.RLock()
	_, ok := v.secrets[ref]
	v.mu.RUnlock()
	if ok {
		return nil
	}

	if v.provider == nil {
		return errors.Errorf("no secret stored for %q and no provider configured", ref)
	}
	value, err := v.provider.Obtain(prompt)
	if err != nil {
		return errors.Wrapf(err, "failed to obtain secret for %q", ref)
	}
	if value == "" {
		return errors.Errorf("empty secret supplied for %q", ref)
	}
	v.Store(ref, value)
	return nil
}

// Reveal returns the secret value for ref. Callers must never log the
// returned string.
func (v *Vault) Reveal(ref Ref) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	value, ok := v.secrets[ref]
	if !ok {
		return "", errors.Errorf("no secret stored for %q", ref)
	}
	return value, nil
}

// Scrub replaces every stored secret value occurring in text with a
// fixed mask. Sinks run all emitted output through this before writing.
func (v *Vault) Scrub(text string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, value := range v.secrets {
		if value == "" {
			continue
		}
		text = strings.ReplaceAll(text, value, "******")
	}
	return text
}

// Wipe drops all stored secrets.
func (v *Vault) Wipe() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets = make(map[Ref]string)
}

// TerminalProvider reads secrets from the controlling terminal with echo
// disabled. The prompt goes to stderr so stdout stays clean.
type TerminalProvider struct{}

func (TerminalProvider) Obtain(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	value, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", errors.Wrap(err, "failed to read secret from terminal")
	}
	return string(value), nil
}

// StaticProvider returns pre-seeded values keyed by prompt, for tests and
// non-interactive callers that already hold the secret.
type StaticProvider map[string]string

func (p StaticProvider) Obtain(prompt string) (string, error) {
	value, ok := p[prompt]
	if !ok {
		return "", errors.Errorf("no static secret registered for prompt %q", prompt)
	}
	return value, nil
}
