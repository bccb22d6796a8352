package adapter

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/guild-tracker/internal/coalesce"
	"github.com/guild-tracker/internal/logging"
	"github.com/guild-tracker/internal/models"
)

// CredentialStore persists one bearer credential per upstream service.
// GetCredential returns nil, nil when nothing is stored yet.
type CredentialStore interface {
	GetCredential(ctx context.Context, service string) (*models.CachedCredential, error)
	UpsertCredential(ctx context.Context, cred *models.CachedCredential) error
}

// Exchanger mints a fresh token from the service's authorization endpoint
type Exchanger interface {
	Exchange(ctx context.Context) (*oauth2.Token, error)
}

// ClientCredentialsExchanger performs the OAuth2 client-credentials grant
type ClientCredentialsExchanger struct {
	config     *clientcredentials.Config
	httpClient *http.Client
}

// NewClientCredentialsExchanger creates an exchanger for one client id/secret pair
func NewClientCredentialsExchanger(clientID, clientSecret, tokenURL string, httpClient *http.Client) *ClientCredentialsExchanger {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &ClientCredentialsExchanger{
		config: &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			AuthStyle:    oauth2.AuthStyleInHeader,
		},
		httpClient: httpClient,
	}
}

// Exchange requests a new token
func (e *ClientCredentialsExchanger) Exchange(ctx context.Context) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	tok, err := e.config.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("client credentials exchange failed: %w", err)
	}
	return tok, nil
}

// TokenCache hands out bearer tokens, minting new ones only when the stored one is
// about to expire. Concurrent refreshes for one service collapse into one exchange.
type TokenCache struct {
	store      CredentialStore
	exchangers map[string]Exchanger
	margin     time.Duration
	now        func() time.Time
	refreshes  coalesce.Group[string]
	logger     *logging.Logger
}

// NewTokenCache creates a token cache with the given safety margin
func NewTokenCache(store CredentialStore, margin time.Duration, logger *logging.Logger) *TokenCache {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &TokenCache{
		store:      store,
		exchangers: make(map[string]Exchanger),
		margin:     margin,
		now:        time.Now,
		logger:     logger.Named("token_cache"),
	}
}

// Register binds a service name to the exchanger that mints its tokens.
// Call during setup, before GetToken is used concurrently.
func (c *TokenCache) Register(service string, ex Exchanger) {
	c.exchangers[service] = ex
}

// GetToken returns a usable bearer token for service.
// Exchange failures are returned as-is; retrying is the caller's concern.
func (c *TokenCache) GetToken(ctx context.Context, service string) (string, error) {
	cred, err := c.store.GetCredential(ctx, service)
	if err != nil {
		return "", fmt.Errorf("failed to load credential for %s: %w", service, err)
	}
	if c.usable(cred) {
		return cred.Token, nil
	}

	token, _, err := c.refreshes.Do(ctx, service, func(ctx context.Context) (string, error) {
		return c.refresh(ctx, service)
	})
	return token, err
}

func (c *TokenCache) usable(cred *models.CachedCredential) bool {
	return cred != nil && cred.Token != "" && c.now().Add(c.margin).Before(cred.ExpiresAt)
}

func (c *TokenCache) refresh(ctx context.Context, service string) (string, error) {
	// another process may have refreshed while we waited
	cred, err := c.store.GetCredential(ctx, service)
	if err != nil {
		return "", fmt.Errorf("failed to load credential for %s: %w", service, err)
	}
	if c.usable(cred) {
		return cred.Token, nil
	}

	ex, ok := c.exchangers[service]
	if !ok {
		return "", fmt.Errorf("no token exchanger registered for service %q", service)
	}

	tok, err := ex.Exchange(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to mint token for %s: %w", service, err)
	}

	now := c.now()
	expiresAt := now
	if !tok.Expiry.IsZero() {
		expiresAt = tok.Expiry.Add(-c.margin)
	} else {
		c.logger.WithField("service", service).Warn("Token response carried no expiry, it will not be reused")
	}

	kind := tok.TokenType
	if kind == "" {
		kind = "bearer"
	}

	next := &models.CachedCredential{
		ServiceName: service,
		Token:       tok.AccessToken,
		TokenKind:   kind,
		ExpiresAt:   expiresAt,
	}
	if err := c.store.UpsertCredential(ctx, next); err != nil {
		return "", fmt.Errorf("failed to store credential for %s: %w", service, err)
	}

	c.logger.WithFields(map[string]interface{}{
		"service":   service,
		"expiresAt": expiresAt.Format(time.RFC3339),
	}).Info("Minted new access token")

	return next.Token, nil
}

// MemoryCredentialStore keeps credentials in process memory
type MemoryCredentialStore struct {
	mu    sync.Mutex
	creds map[string]models.CachedCredential
}

// NewMemoryCredentialStore creates an empty in-memory credential store
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{creds: make(map[string]models.CachedCredential)}
}

func (s *MemoryCredentialStore) GetCredential(ctx context.Context, service string) (*models.CachedCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[service]
	if !ok {
		return nil, nil
	}
	return &cred, nil
}

func (s *MemoryCredentialStore) UpsertCredential(ctx context.Context, cred *models.CachedCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[cred.ServiceName] = *cred
	return nil
}
