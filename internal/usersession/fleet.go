// Package usersession manages the per-user provider fleet: one isolated
// child process per authenticated user, carrying that user's exchanged
// credentials in its environment. Sessions are created on demand, reused
// while the child is alive, and reaped by a periodic sweeper once idle.
package usersession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/agenticwork/mcp-proxy/internal/jsonrpc"
	"github.com/agenticwork/mcp-proxy/internal/provider"
)

const (
	defaultMaxIdle       = 60 * time.Minute
	defaultSweepInterval = 15 * time.Minute
	defaultStartDelay    = 2 * time.Second
	defaultToolsTimeout  = 30 * time.Second
)

// ErrNoSession is returned when an operation targets a user with no
// active session.
var ErrNoSession = errors.New("no active session")

// Config tunes the fleet. The zero value is usable; empty fields take
// the defaults above.
type Config struct {
	// Command is the argv for every session child.
	Command []string

	// Token exchange credentials passed into each child. All three must
	// be set before a session can start.
	TenantID     string
	ClientID     string
	ClientSecret string

	MaxIdle       time.Duration
	SweepInterval time.Duration
	StartDelay    time.Duration

	// ToolsTimeout bounds the catalog fetch right after creation.
	ToolsTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if len(c.Command) == 0 {
		c.Command = []string{"azmcp", "server", "start"}
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = defaultMaxIdle
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.StartDelay <= 0 {
		c.StartDelay = defaultStartDelay
	}
	if c.ToolsTimeout <= 0 {
		c.ToolsTimeout = defaultToolsTimeout
	}
}

// Session is one user's live child. Created and touched only by the
// fleet; lastAccessed and tools are guarded by mu.
type Session struct {
	UserID      string
	Email       string
	AccessToken string
	CreatedAt   time.Time

	prov *provider.Provider

	mu           sync.Mutex
	lastAccessed time.Time
	tools        []mcp.Tool
}

// Alive reports whether the session's child is still serving.
func (s *Session) Alive() bool {
	return s.prov.Status() == provider.StatusRunning
}

// LastAccessed returns the last time the session served an operation.
func (s *Session) LastAccessed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccessed
}

// Tools returns the catalog cached at creation.
func (s *Session) Tools() []mcp.Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tools
}

// PID returns the child process id, zero when not running.
func (s *Session) PID() int {
	return s.prov.Info().PID
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastAccessed = time.Now()
	s.mu.Unlock()
}

func (s *Session) stale(maxIdle time.Duration) bool {
	return time.Since(s.LastAccessed()) > maxIdle
}

// StartResult reports the outcome of a create-or-reuse request. Status
// is "created" for a fresh child and "existing" for a reused one; PID is
// only present on creation.
type StartResult struct {
	Status    string     `json:"status"`
	UserID    string     `json:"user_id"`
	Email     string     `json:"email"`
	Tools     []mcp.Tool `json:"tools"`
	CreatedAt string     `json:"created_at"`
	PID       int        `json:"pid,omitempty"`
}

// SessionInfo is the list-endpoint view of one session.
type SessionInfo struct {
	UserID       string `json:"user_id"`
	Email        string `json:"email"`
	CreatedAt    string `json:"created_at"`
	LastAccessed string `json:"last_accessed"`
	Alive        bool   `json:"is_alive"`
	ToolCount    int    `json:"tool_count"`
	PID          int    `json:"pid,omitempty"`
}

// SessionDetail is the single-session view, including the tool catalog
// the child advertised so callers can discover what it serves.
type SessionDetail struct {
	UserID       string     `json:"user_id"`
	Email        string     `json:"email"`
	CreatedAt    string     `json:"created_at"`
	LastAccessed string     `json:"last_accessed"`
	Alive        bool       `json:"is_alive"`
	ToolCount    int        `json:"tool_count"`
	Tools        []mcp.Tool `json:"tools"`
	PID          int        `json:"pid"`
}

// Fleet owns every per-user session. Operations on different users run
// concurrently; operations on the same user serialize on a per-user
// lock so two racing starts cannot spawn two children.
type Fleet struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[string]*sync.Mutex

	sweepDone chan struct{}
	sweepWG   sync.WaitGroup
}

// NewFleet creates an empty fleet. The sweeper is not started.
func NewFleet(cfg Config, logger *zap.Logger) *Fleet {
	cfg.applyDefaults()
	return &Fleet{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (f *Fleet) userLock(userID string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	lk, ok := f.locks[userID]
	if !ok {
		lk = &sync.Mutex{}
		f.locks[userID] = lk
	}
	return lk
}

func (f *Fleet) lookup(userID string) (*Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[userID]
	return s, ok
}

// Start creates a session for the user or reuses the existing live one.
// A dead leftover child is cleaned up first and replaced.
func (f *Fleet) Start(ctx context.Context, userID, email, accessToken string) (*StartResult, error) {
	lk := f.userLock(userID)
	lk.Lock()
	defer lk.Unlock()

	if existing, ok := f.lookup(userID); ok {
		if existing.Alive() {
			f.logger.Info("reusing active user session", zap.String("user", userID))
			existing.touch()
			return &StartResult{
				Status:    "existing",
				UserID:    userID,
				Email:     email,
				Tools:     existing.Tools(),
				CreatedAt: existing.CreatedAt.Format(time.RFC3339),
			}, nil
		}
		f.logger.Warn("found dead user session, cleaning up", zap.String("user", userID))
		f.remove(ctx, existing)
	}

	if f.cfg.TenantID == "" || f.cfg.ClientID == "" || f.cfg.ClientSecret == "" {
		return nil, errors.New("Azure SP credentials not configured. Set AZURE_CLIENT_ID, " +
			"AZURE_CLIENT_SECRET, and AZURE_TENANT_ID in MCP Proxy environment")
	}

	f.logger.Info("starting user session",
		zap.String("user", userID),
		zap.String("email", email))

	p := provider.New(provider.Spec{
		Name:    "user-" + userID,
		Command: f.cfg.Command,
		Env: map[string]string{
			"USER_ACCESS_TOKEN":       accessToken,
			"USER_ID":                 userID,
			"USER_EMAIL":              email,
			"AZURE_TOKEN_CREDENTIALS": "prod",
			"AZURE_TENANT_ID":         f.cfg.TenantID,
			"AZURE_CLIENT_ID":         f.cfg.ClientID,
			"AZURE_CLIENT_SECRET":     f.cfg.ClientSecret,
		},
	}, f.logger.Named("session"), provider.WithStartDelay(f.cfg.StartDelay))

	if err := p.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start session for user %s: %w", userID, err)
	}

	tools := f.fetchTools(ctx, p)
	f.logger.Info("user session started",
		zap.String("user", userID),
		zap.Int("pid", p.Info().PID),
		zap.Int("tools", len(tools)))

	now := time.Now()
	sess := &Session{
		UserID:       userID,
		Email:        email,
		AccessToken:  accessToken,
		CreatedAt:    now,
		prov:         p,
		lastAccessed: now,
		tools:        tools,
	}
	f.mu.Lock()
	f.sessions[userID] = sess
	f.mu.Unlock()

	return &StartResult{
		Status:    "created",
		UserID:    userID,
		Email:     email,
		Tools:     tools,
		CreatedAt: now.Format(time.RFC3339),
		PID:       p.Info().PID,
	}, nil
}

// fetchTools queries the fresh child's catalog with the fixed id the
// downstream servers expect. Any failure degrades to an empty catalog;
// the session still starts.
func (f *Fleet) fetchTools(ctx context.Context, p *provider.Provider) []mcp.Tool {
	tctx, cancel := context.WithTimeout(ctx, f.cfg.ToolsTimeout)
	defer cancel()

	resp, err := p.Call(tctx, jsonrpc.NewRequest(1, "tools/list", nil))
	if err != nil {
		f.logger.Warn("session tools/list failed, returning empty list",
			zap.String("server", p.Name()), zap.Error(err))
		return []mcp.Tool{}
	}
	if resp.Error != nil {
		f.logger.Warn("session tools/list returned error, returning empty list",
			zap.String("server", p.Name()),
			zap.Int("code", resp.Error.Code),
			zap.String("message", resp.Error.Message))
		return []mcp.Tool{}
	}

	var result struct {
		Tools []mcp.Tool `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		f.logger.Warn("session tools/list result unparseable",
			zap.String("server", p.Name()), zap.Error(err))
		return []mcp.Tool{}
	}
	if result.Tools == nil {
		return []mcp.Tool{}
	}
	return result.Tools
}

// remove deletes the session from the map and terminates its child.
// Callers hold the user lock.
func (f *Fleet) remove(ctx context.Context, sess *Session) {
	f.mu.Lock()
	delete(f.sessions, sess.UserID)
	f.mu.Unlock()

	if err := sess.prov.Stop(ctx); err != nil {
		f.logger.Error("error terminating session child",
			zap.String("user", sess.UserID), zap.Error(err))
	}
}

// Stop terminates the user's session. It reports false when the user
// has no session.
func (f *Fleet) Stop(ctx context.Context, userID string) bool {
	lk := f.userLock(userID)
	lk.Lock()
	defer lk.Unlock()

	sess, ok := f.lookup(userID)
	if !ok {
		f.logger.Warn("no session found for user", zap.String("user", userID))
		return false
	}

	f.logger.Info("stopping user session", zap.String("user", userID))
	f.remove(ctx, sess)
	return true
}

// Get returns the user's session and marks it accessed.
func (f *Fleet) Get(userID string) (*Session, bool) {
	sess, ok := f.lookup(userID)
	if ok {
		sess.touch()
	}
	return sess, ok
}

// Describe returns the detail view of one user's session.
func (f *Fleet) Describe(userID string) (*SessionDetail, bool) {
	sess, ok := f.Get(userID)
	if !ok {
		return nil, false
	}
	tools := sess.Tools()
	if tools == nil {
		tools = []mcp.Tool{}
	}
	return &SessionDetail{
		UserID:       sess.UserID,
		Email:        sess.Email,
		CreatedAt:    sess.CreatedAt.Format(time.RFC3339),
		LastAccessed: sess.LastAccessed().Format(time.RFC3339),
		Alive:        sess.Alive(),
		ToolCount:    len(tools),
		Tools:        tools,
		PID:          sess.PID(),
	}, true
}

// Call forwards one request to the user's child and waits for the
// correlated response.
func (f *Fleet) Call(ctx context.Context, userID string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	sess, ok := f.Get(userID)
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNoSession)
	}
	return sess.prov.Call(ctx, req)
}

// List returns a snapshot of every session, ordered by user id.
func (f *Fleet) List() []SessionInfo {
	f.mu.Lock()
	sessions := make([]*Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		sessions = append(sessions, s)
	}
	f.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].UserID < sessions[j].UserID })

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, SessionInfo{
			UserID:       s.UserID,
			Email:        s.Email,
			CreatedAt:    s.CreatedAt.Format(time.RFC3339),
			LastAccessed: s.LastAccessed().Format(time.RFC3339),
			Alive:        s.Alive(),
			ToolCount:    len(s.Tools()),
			PID:          s.PID(),
		})
	}
	return infos
}

// SweepStale terminates every session that is idle beyond the limit or
// whose child has died. The per-user lock is retaken for each candidate
// and the session identity re-checked, so a session recreated mid-sweep
// is never reaped.
func (f *Fleet) SweepStale(ctx context.Context) {
	f.mu.Lock()
	candidates := make([]*Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		candidates = append(candidates, s)
	}
	f.mu.Unlock()

	swept := 0
	for _, s := range candidates {
		lk := f.userLock(s.UserID)
		lk.Lock()
		cur, ok := f.lookup(s.UserID)
		if ok && cur == s && (s.stale(f.cfg.MaxIdle) || !s.Alive()) {
			f.logger.Info("cleaning up stale user session", zap.String("user", s.UserID))
			f.remove(ctx, s)
			swept++
		}
		lk.Unlock()
	}
	if swept > 0 {
		f.logger.Info("swept stale user sessions", zap.Int("count", swept))
	}
}

// StartSweeper launches the periodic sweep. Safe to call once.
func (f *Fleet) StartSweeper() {
	f.sweepDone = make(chan struct{})
	f.sweepWG.Add(1)
	go func() {
		defer f.sweepWG.Done()
		ticker := time.NewTicker(f.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				f.SweepStale(context.Background())
			case <-f.sweepDone:
				return
			}
		}
	}()
	f.logger.Info("started session sweeper",
		zap.Duration("interval", f.cfg.SweepInterval),
		zap.Duration("max_idle", f.cfg.MaxIdle))
}

// Shutdown stops the sweeper and terminates every session.
func (f *Fleet) Shutdown(ctx context.Context) {
	if f.sweepDone != nil {
		close(f.sweepDone)
		f.sweepWG.Wait()
		f.sweepDone = nil
	}

	f.mu.Lock()
	users := make([]string, 0, len(f.sessions))
	for id := range f.sessions {
		users = append(users, id)
	}
	f.mu.Unlock()

	for _, id := range users {
		f.Stop(ctx, id)
	}
}
