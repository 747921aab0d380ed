// Package session wires a client-side sync engine to a task server: the local
// cache, the REST client, and the push channel.
package session

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"tasksync/pkg/localcache"
	"tasksync/pkg/push"
	"tasksync/pkg/taskapi"
	"tasksync/pkg/tasksync"
)

// DefaultAPIBase is used when API_BASE is unset.
const DefaultAPIBase = "http://localhost:8080"

// Config says where the server and the local cache live.
type Config struct {
	APIBase   string
	CachePath string
	Logger    *log.Entry

	// HTTPClient carries REST calls; nil means http.DefaultClient.
	HTTPClient *http.Client
}

// ConfigFromEnv reads API_BASE and TASKSYNC_CACHE, falling back to defaults.
func ConfigFromEnv() Config {
	cfg := Config{
		APIBase:   os.Getenv("API_BASE"),
		CachePath: os.Getenv("TASKSYNC_CACHE"),
	}
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.CachePath == "" {
		cfg.CachePath = DefaultCachePath()
	}
	return cfg
}

// DefaultCachePath is tasksync/cache.sqlite3 under the user cache directory.
func DefaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "tasksync", "cache.sqlite3")
}

// HubURL turns an http(s) API base into the ws(s) push endpoint.
func HubURL(apiBase string) (string, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return "", fmt.Errorf("parse api base %q: %w", apiBase, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("api base %q: unsupported scheme %q", apiBase, u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/tasksHub"
	return u.String(), nil
}

// Session owns one engine and everything it talks to.
type Session struct {
	Engine *tasksync.Engine
	Push   *push.Client

	cache  *localcache.SQLite
	logger *log.Entry
}

// Open opens the cache and builds the engine. Nothing touches the network
// until Connect or Engine.Load.
func Open(ctx context.Context, cfg Config, opts ...push.ClientOption) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithField("component", "session")
	}
	hub, err := HubURL(cfg.APIBase)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.CachePath), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	cache, err := localcache.Open(ctx, cfg.CachePath, localcache.DefaultKey)
	if err != nil {
		return nil, err
	}

	var apiOpts []taskapi.Option
	if cfg.HTTPClient != nil {
		apiOpts = append(apiOpts, taskapi.WithHTTPClient(cfg.HTTPClient))
	}
	api := taskapi.New(cfg.APIBase, apiOpts...)
	pc := push.NewClient(hub, append([]push.ClientOption{push.WithLogger(logger.WithField("component", "push"))}, opts...)...)
	engine := tasksync.New(api, cache, tasksync.WithLogger(logger.WithField("component", "tasksync")))
	engine.Attach(pc)

	return &Session{Engine: engine, Push: pc, cache: cache, logger: logger}, nil
}

// Connect starts the push channel and reloads the list, since events sent
// before the connection existed were missed.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.Push.Start(ctx); err != nil {
		return fmt.Errorf("connect push channel: %w", err)
	}
	if _, err := s.Engine.Load(ctx); err != nil {
		return err
	}
	return nil
}

// Close stops the push channel and closes the cache.
func (s *Session) Close() error {
	if err := s.Push.Close(); err != nil {
		s.logger.WithError(err).Warn("close push channel")
	}
	return s.cache.Close()
}
