package storage

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agenticwork/mcp-proxy/internal/config"
)

// Redis key prefixes. These match what the web UI and operational
// tooling expect, so they are part of the deployment contract.
const (
	enabledKeyPrefix = "mcp:server:enabled:"
	sessionKeyPrefix = "session:"
	pkceKeyPrefix    = "pkce:"
)

const (
	// sessionTTL bounds how long a browser session survives without re-login.
	sessionTTL = 24 * time.Hour
	// pkceTTL bounds how long a login attempt may sit between redirect and callback.
	pkceTTL = 10 * time.Minute

	connectTimeout = 5 * time.Second
)

// ErrNotFound indicates the requested key does not exist or has expired.
var ErrNotFound = errors.New("not found")

// Store persists the small, shared bits of proxy state in Redis:
// per-provider enabled flags, browser login sessions and in-flight
// PKCE verifiers. Everything else lives in the local BBolt audit log.
type Store struct {
	client redis.UniversalClient
	logger *zap.SugaredLogger
}

// NewStore connects to Redis using the given config and verifies the
// connection with a ping before returning.
func NewStore(cfg *config.RedisConfig, logger *zap.SugaredLogger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr(), err)
	}

	logger.Infow("Connected to redis", "addr", cfg.Addr(), "db", cfg.DB)
	return NewStoreWithClient(client, logger), nil
}

// NewStoreWithClient creates a Store with a pre-configured client.
// This is useful for testing with miniredis.
func NewStoreWithClient(client redis.UniversalClient, logger *zap.SugaredLogger) *Store {
	return &Store{
		client: client,
		logger: logger,
	}
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client connections.
func (s *Store) Close() error {
	return s.client.Close()
}

// Enabled flag operations

// SetEnabled persists a provider's enabled flag.
func (s *Store) SetEnabled(ctx context.Context, name string, enabled bool) error {
	value := "false"
	if enabled {
		value = "true"
	}

	if err := s.client.Set(ctx, enabledKey(name), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to persist enabled flag for %s: %w", name, err)
	}
	return nil
}

// GetEnabled returns the persisted enabled flag for a provider. The
// second return value reports whether a flag was persisted at all.
func (s *Store) GetEnabled(ctx context.Context, name string) (bool, bool, error) {
	value, err := s.client.Get(ctx, enabledKey(name)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("failed to read enabled flag for %s: %w", name, err)
	}
	return value == "true", true, nil
}

// EnabledStates loads the persisted enabled flags for the given provider
// names. Names with no persisted flag are absent from the result, so the
// caller's built-in defaults win for them.
func (s *Store) EnabledStates(ctx context.Context, names []string) (map[string]bool, error) {
	states := make(map[string]bool, len(names))
	for _, name := range names {
		enabled, ok, err := s.GetEnabled(ctx, name)
		if err != nil {
			return nil, err
		}
		if ok {
			states[name] = enabled
		}
	}
	return states, nil
}

// Web session operations

// CreateWebSession stores a new browser session and returns its ID.
// The session expires after 24 hours.
func (s *Store) CreateWebSession(ctx context.Context, session *WebSession) (string, error) {
	id, err := randomToken(32)
	if err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}

	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	if session.ExpiresAt.IsZero() {
		session.ExpiresAt = session.CreatedAt.Add(sessionTTL)
	}

	data, err := json.Marshal(session)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := s.client.Set(ctx, sessionKey(id), data, sessionTTL).Err(); err != nil {
		return "", fmt.Errorf("failed to store session: %w", err)
	}

	return id, nil
}

// GetWebSession retrieves a browser session by ID.
func (s *Store) GetWebSession(ctx context.Context, id string) (*WebSession, error) {
	data, err := s.client.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session WebSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

// DeleteWebSession removes a browser session. Deleting a session that
// does not exist is not an error.
func (s *Store) DeleteWebSession(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// PKCE operations

// SavePKCE stores a PKCE code verifier keyed by OAuth state. The entry
// expires after 10 minutes to bound abandoned login attempts.
func (s *Store) SavePKCE(ctx context.Context, state, verifier string) error {
	if err := s.client.Set(ctx, pkceKey(state), verifier, pkceTTL).Err(); err != nil {
		return fmt.Errorf("failed to store pkce verifier: %w", err)
	}
	return nil
}

// TakePKCE retrieves and deletes the PKCE verifier for an OAuth state.
// Each state is single-use: a second call returns ErrNotFound.
func (s *Store) TakePKCE(ctx context.Context, state string) (string, error) {
	verifier, err := s.client.Get(ctx, pkceKey(state)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("%w: pkce state %s", ErrNotFound, state)
		}
		return "", fmt.Errorf("failed to get pkce verifier: %w", err)
	}

	if err := s.client.Del(ctx, pkceKey(state)).Err(); err != nil {
		return "", fmt.Errorf("failed to consume pkce state: %w", err)
	}
	return verifier, nil
}

func enabledKey(name string) string {
	return enabledKeyPrefix + name
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

func pkceKey(state string) string {
	return pkceKeyPrefix + state
}

// randomToken returns n random bytes encoded as unpadded URL-safe base64.
func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
