package broker

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	apperrors "kis-autosell/internal/errors"
)

// EnvTokenProvider sources tokens minted by the external auth collaborator
// from the environment. Values are re-read periodically so an operator can
// rotate them without restarting the process.
type EnvTokenProvider struct {
	mu          sync.Mutex
	accessToken string
	approvalKey string
	loadedAt    time.Time
	ttl         time.Duration
}

// NewEnvTokenProvider creates a provider re-reading the environment every ttl.
func NewEnvTokenProvider(ttl time.Duration) *EnvTokenProvider {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &EnvTokenProvider{ttl: ttl}
}

func (p *EnvTokenProvider) refresh() {
	if time.Since(p.loadedAt) < p.ttl && p.accessToken != "" {
		return
	}
	p.accessToken = strings.TrimSpace(os.Getenv("KIS_ACCESS_TOKEN"))
	p.approvalKey = strings.TrimSpace(os.Getenv("KIS_APPROVAL_KEY"))
	p.loadedAt = time.Now()
}

// AccessToken returns the bearer token for REST calls.
func (p *EnvTokenProvider) AccessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refresh()
	if p.accessToken == "" {
		return "", apperrors.Wrap(apperrors.ErrTokenUnavailable, "KIS_ACCESS_TOKEN not set")
	}
	return p.accessToken, nil
}

// ApprovalKey returns the websocket subscription approval key.
func (p *EnvTokenProvider) ApprovalKey(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refresh()
	if p.approvalKey == "" {
		return "", apperrors.Wrap(apperrors.ErrTokenUnavailable, "KIS_APPROVAL_KEY not set")
	}
	return p.approvalKey, nil
}

// StaticTokenProvider returns fixed tokens, used in development mode.
type StaticTokenProvider struct {
	Token string
	Key   string
}

// AccessToken returns the fixed bearer token.
func (p *StaticTokenProvider) AccessToken(ctx context.Context) (string, error) {
	return p.Token, nil
}

// ApprovalKey returns the fixed approval key.
func (p *StaticTokenProvider) ApprovalKey(ctx context.Context) (string, error) {
	return p.Key, nil
}

var (
	_ TokenProvider = (*EnvTokenProvider)(nil)
	_ TokenProvider = (*StaticTokenProvider)(nil)
)
