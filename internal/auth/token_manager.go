// Package auth keeps a client-credentials bearer token for the upstream API
// valid for the lifetime of the process.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/match-archiver/internal/errors"
	"github.com/match-archiver/internal/logging"
	"github.com/match-archiver/internal/retry"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Defaults for the refresh loop.
const (
	DefaultRefreshMargin     = 60 * time.Second
	DefaultMinRefreshDelay   = 5 * time.Second
	DefaultFailureRetryDelay = 30 * time.Second
	PreprovisionedTTL        = 24 * time.Hour
	DefaultScope             = "public"
)

// Exchanger performs one client-credentials exchange.
type Exchanger interface {
	Exchange(ctx context.Context) (*oauth2.Token, error)
}

// ClientCredentialsExchanger posts to {base}/oauth/token with the credentials in the form body.
type ClientCredentialsExchanger struct {
	cfg        clientcredentials.Config
	httpClient *http.Client
}

// NewClientCredentialsExchanger builds the exchanger for an osu! base URL.
func NewClientCredentialsExchanger(baseURL, clientID, clientSecret string, httpClient *http.Client) *ClientCredentialsExchanger {
	return &ClientCredentialsExchanger{
		cfg: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     baseURL + "/oauth/token",
			Scopes:       []string{DefaultScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		httpClient: httpClient,
	}
}

// Exchange implements Exchanger.
func (e *ClientCredentialsExchanger) Exchange(ctx context.Context) (*oauth2.Token, error) {
	if e.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	}
	return e.cfg.Token(ctx)
}

// Config configures a TokenManager.
type Config struct {
	// Exchanger obtains new tokens. Required.
	Exchanger Exchanger

	// InitialToken is an optional pre-provisioned token, assumed valid for PreprovisionedTTL.
	InitialToken string

	RefreshMargin     time.Duration
	MinRefreshDelay   time.Duration
	FailureRetryDelay time.Duration
	Retry             *retry.RetryConfig
	Logger            *logging.Logger
	Now               func() time.Time
}

type credential struct {
	header string
	expiry time.Time
}

// TokenManager holds the current bearer token and refreshes it ahead of expiry.
// Readers always observe either the old or the new token.
type TokenManager struct {
	exchanger         Exchanger
	refreshMargin     time.Duration
	minRefreshDelay   time.Duration
	failureRetryDelay time.Duration
	retryCfg          *retry.RetryConfig
	logger            *logging.Logger
	now               func() time.Time

	current atomic.Pointer[credential]
	initMu  sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// NewTokenManager creates a manager. No network call is made until first use.
func NewTokenManager(cfg Config) (*TokenManager, error) {
	if cfg.Exchanger == nil {
		return nil, errors.New("exchanger is required")
	}

	m := &TokenManager{
		exchanger:         cfg.Exchanger,
		refreshMargin:     cfg.RefreshMargin,
		minRefreshDelay:   cfg.MinRefreshDelay,
		failureRetryDelay: cfg.FailureRetryDelay,
		retryCfg:          cfg.Retry,
		logger:            cfg.Logger,
		now:               cfg.Now,
	}
	if m.refreshMargin == 0 {
		m.refreshMargin = DefaultRefreshMargin
	}
	if m.minRefreshDelay == 0 {
		m.minRefreshDelay = DefaultMinRefreshDelay
	}
	if m.failureRetryDelay == 0 {
		m.failureRetryDelay = DefaultFailureRetryDelay
	}
	if m.retryCfg == nil {
		m.retryCfg = retry.TokenRefreshConfig()
	}
	if m.logger == nil {
		m.logger = logging.GetGlobalLogger()
	}
	m.logger = m.logger.WithComponent("token_manager")
	if m.now == nil {
		m.now = time.Now
	}

	if cfg.InitialToken != "" {
		m.current.Store(&credential{
			header: bearer(cfg.InitialToken),
			expiry: m.now().Add(PreprovisionedTTL),
		})
	}

	return m, nil
}

func bearer(token string) string {
	return "Bearer " + token
}

// AuthHeader returns the Authorization header value, exchanging credentials on first use.
func (m *TokenManager) AuthHeader(ctx context.Context) (string, error) {
	if c := m.current.Load(); c != nil {
		return c.header, nil
	}

	m.initMu.Lock()
	defer m.initMu.Unlock()

	if c := m.current.Load(); c != nil {
		return c.header, nil
	}
	if err := m.refresh(ctx); err != nil {
		return "", err
	}
	return m.current.Load().header, nil
}

// Expiry returns the expiry of the current token, zero if none.
func (m *TokenManager) Expiry() time.Time {
	if c := m.current.Load(); c != nil {
		return c.expiry
	}
	return time.Time{}
}

// refresh exchanges credentials with retry and swaps the token on success.
// On failure the previous token is left in place.
func (m *TokenManager) refresh(ctx context.Context) error {
	var tok *oauth2.Token
	result := retry.WithExponentialBackoff(logging.WithLogger(ctx, m.logger), m.retryCfg, func(ctx context.Context, attempt int) error {
		t, err := m.exchanger.Exchange(ctx)
		if err != nil {
			return err
		}
		if t.AccessToken == "" {
			return errors.New("empty access token")
		}
		tok = t
		return nil
	})
	if err := result.Err(); err != nil {
		return apperrors.NewAuthError(err)
	}

	expiry := m.now().Add(tokenLifetime(tok))
	m.current.Store(&credential{header: bearer(tok.AccessToken), expiry: expiry})

	m.logger.WithField("expires_at", expiry.UTC().Format(time.RFC3339)).Info("access token refreshed")
	return nil
}

// tokenLifetime prefers the server's expires_in. oauth2 stamps Expiry with the
// wall clock, so only the remaining duration is taken from it.
func tokenLifetime(tok *oauth2.Token) time.Duration {
	switch {
	case tok.ExpiresIn > 0:
		return time.Duration(tok.ExpiresIn) * time.Second
	case !tok.Expiry.IsZero():
		return time.Until(tok.Expiry)
	default:
		return PreprovisionedTTL
	}
}

// nextRefreshDelay is expiry minus the margin, never below the minimum delay.
func (m *TokenManager) nextRefreshDelay() time.Duration {
	delay := m.Expiry().Sub(m.now()) - m.refreshMargin
	if delay < m.minRefreshDelay {
		delay = m.minRefreshDelay
	}
	return delay
}

// Start obtains the first token if needed and launches the refresh loop.
func (m *TokenManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("token manager already running")
	}
	m.mu.Unlock()

	if _, err := m.AuthHeader(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("token manager already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.doneCh = make(chan struct{})
	m.running = true

	go m.refreshLoop(loopCtx, m.doneCh)

	return nil
}

// Stop cancels the refresh loop and waits for it to exit.
func (m *TokenManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel, done := m.cancel, m.doneCh
	m.running = false
	m.mu.Unlock()

	cancel()
	<-done
}

func (m *TokenManager) refreshLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	delay := m.nextRefreshDelay()
	for {
		m.logger.WithField("delay", delay.String()).Debug("scheduling token refresh")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := m.refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.WithError(err).WithField("retry_in", m.failureRetryDelay.String()).
				Error("token refresh failed, keeping previous token")
			delay = m.failureRetryDelay
			continue
		}
		delay = m.nextRefreshDelay()
	}
}
