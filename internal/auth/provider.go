// Package auth acquires short-lived bearer credentials for target
// clusters. Providers cache a token until it nears expiry and re-acquire
// on demand; no long-lived secret is ever written anywhere.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/dc-tec/deploysync/internal/config"
)

// refreshSkew re-acquires tokens slightly before their reported expiry so
// an in-flight request does not race the deadline.
const refreshSkew = 30 * time.Second

// Token is a short-lived bearer credential.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether the token should no longer be used at the given
// time. A zero ExpiresAt means the token does not expire.
func (t Token) Expired(now time.Time) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(t.ExpiresAt.Add(-refreshSkew))
}

// TokenProvider mints cluster credentials on demand.
type TokenProvider interface {
	// Token returns a valid credential, re-acquiring if the cached one
	// expired.
	Token(ctx context.Context) (Token, error)
	// Invalidate drops the cached token so the next call re-acquires.
	// Used when the cluster answers 401 despite an unexpired cache.
	Invalidate()
}

// NewProvider builds a provider from environment auth configuration.
// Returns nil when no token source is configured; the caller then leaves
// credential handling to the kubeconfig itself.
func NewProvider(cfg config.Auth) TokenProvider {
	switch {
	case cfg.Token != "":
		return &StaticProvider{token: cfg.Token}
	case cfg.TokenFile != "":
		return &FileProvider{path: cfg.TokenFile, ttl: cfg.TokenTTL}
	case len(cfg.TokenCommand) > 0:
		return &CommandProvider{command: cfg.TokenCommand, ttl: cfg.TokenTTL}
	default:
		return nil
	}
}

// StaticProvider returns a fixed token. Test and local-development use.
type StaticProvider struct {
	token string
}

func (p *StaticProvider) Token(_ context.Context) (Token, error) {
	return Token{Value: p.token}, nil
}

func (p *StaticProvider) Invalidate() {}

// FileProvider reads a token file, typically a projected service account
// token that the kubelet rotates in place.
type FileProvider struct {
	path string
	ttl  time.Duration

	mu     sync.Mutex
	cached Token
}

func (p *FileProvider) Token(_ context.Context) (Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if p.cached.Value != "" && !p.cached.Expired(now) {
		return p.cached, nil
	}

	data, err := os.ReadFile(p.path) // #nosec G304 -- path is operator-chosen configuration
	if err != nil {
		return Token{}, fmt.Errorf("failed to read token file: %w", err)
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return Token{}, fmt.Errorf("token file %s is empty", p.path)
	}

	p.cached = Token{Value: value, ExpiresAt: now.Add(p.ttl)}
	return p.cached, nil
}

func (p *FileProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = Token{}
}

// CommandProvider executes a helper command to mint a token, covering
// OIDC-style flows such as aws eks get-token. Output is either a
// Kubernetes ExecCredential JSON document or the bare token.
type CommandProvider struct {
	command []string
	ttl     time.Duration

	mu     sync.Mutex
	cached Token
}

// execCredential is the subset of the client-go ExecCredential document
// the provider needs.
type execCredential struct {
	Status struct {
		Token               string    `json:"token"`
		ExpirationTimestamp time.Time `json:"expirationTimestamp"`
	} `json:"status"`
}

func (p *CommandProvider) Token(ctx context.Context) (Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if p.cached.Value != "" && !p.cached.Expired(now) {
		return p.cached, nil
	}

	cmd := exec.CommandContext(ctx, p.command[0], p.command[1:]...) // #nosec G204 -- command is operator-chosen configuration
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return Token{}, fmt.Errorf("failed to run token command: %w: %s", err, msg)
		}
		return Token{}, fmt.Errorf("failed to run token command: %w", err)
	}

	token, err := parseTokenOutput(stdout.Bytes(), now, p.ttl)
	if err != nil {
		return Token{}, err
	}

	p.cached = token
	return p.cached, nil
}

func (p *CommandProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = Token{}
}

// parseTokenOutput accepts either an ExecCredential document or a bare
// token. The effective expiry is the earlier of the command-reported
// expiration and now+ttl.
func parseTokenOutput(out []byte, now time.Time, ttl time.Duration) (Token, error) {
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		return Token{}, fmt.Errorf("token command produced no output")
	}

	expiresAt := now.Add(ttl)

	if strings.HasPrefix(trimmed, "{") {
		var cred execCredential
		if err := json.Unmarshal([]byte(trimmed), &cred); err != nil {
			return Token{}, fmt.Errorf("failed to decode token command output: %w", err)
		}
		if cred.Status.Token == "" {
			return Token{}, fmt.Errorf("token command output has no status.token")
		}
		if !cred.Status.ExpirationTimestamp.IsZero() && cred.Status.ExpirationTimestamp.Before(expiresAt) {
			expiresAt = cred.Status.ExpirationTimestamp
		}
		return Token{Value: cred.Status.Token, ExpiresAt: expiresAt}, nil
	}

	// Bare token: take the last non-empty line so helper chatter on
	// earlier lines is ignored.
	lines := strings.Split(trimmed, "\n")
	value := strings.TrimSpace(lines[len(lines)-1])
	if value == "" {
		return Token{}, fmt.Errorf("token command produced no token")
	}
	return Token{Value: value, ExpiresAt: expiresAt}, nil
}
