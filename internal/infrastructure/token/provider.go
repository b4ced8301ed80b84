package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"livefeed/internal/application/port"
)

// ErrNoCredentials is returned when neither a static key nor an endpoint is set
var ErrNoCredentials = errors.New("token: no api key or token endpoint configured")

// Config selects the token source. A non-empty Endpoint exchanges APIKey
// for short-lived tokens; otherwise APIKey itself is the token.
type Config struct {
	APIKey      string
	Endpoint    string
	RefreshSkew time.Duration // refresh this long before expiry
	Timeout     time.Duration
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"` // seconds
}

// Provider implements port.TokenProvider. Concurrent refreshes collapse into
// one request.
type Provider struct {
	cfg    Config
	client *http.Client
	group  singleflight.Group
	now    func() time.Time

	mu        sync.RWMutex
	token     string
	expiresAt time.Time // zero => no expiry
}

var _ port.TokenProvider = (*Provider)(nil)

// New creates a provider; client defaults to a client with cfg.Timeout
func New(cfg Config, client *http.Client) *Provider {
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	p := &Provider{cfg: cfg, client: client, now: time.Now}
	if cfg.Endpoint == "" {
		p.token = cfg.APIKey
	}
	return p
}

// Token returns a valid token, fetching one when missing or about to expire
func (p *Provider) Token(ctx context.Context) (string, error) {
	p.mu.RLock()
	tok, exp := p.token, p.expiresAt
	p.mu.RUnlock()

	if tok != "" && (exp.IsZero() || p.now().Add(p.cfg.RefreshSkew).Before(exp)) {
		return tok, nil
	}
	if p.cfg.Endpoint == "" {
		return "", ErrNoCredentials
	}
	if err := p.Refresh(ctx); err != nil {
		return "", err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token, nil
}

// Refresh fetches a new token. With a static key it is a no-op.
func (p *Provider) Refresh(ctx context.Context) error {
	if p.cfg.Endpoint == "" {
		if p.cfg.APIKey == "" {
			return ErrNoCredentials
		}
		return nil
	}

	ch := p.group.DoChan("refresh", func() (any, error) {
		return nil, p.fetch(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (p *Provider) fetch(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, strings.NewReader("{}"))
	if err != nil {
		return fmt.Errorf("token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("token read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return fmt.Errorf("token decode: %w", err)
	}
	if tr.Token == "" {
		return errors.New("token: endpoint returned empty token")
	}

	var exp time.Time
	if tr.ExpiresIn > 0 {
		exp = p.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	p.mu.Lock()
	p.token, p.expiresAt = tr.Token, exp
	p.mu.Unlock()

	log.Info().Time("expires_at", exp).Msg("api token refreshed")
	return nil
}
