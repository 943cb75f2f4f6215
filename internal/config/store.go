package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"github.com/AMDEPYC/thermal-manager/internal/mitigation"
)

// Subscriber is notified after a new configuration has been applied.
type Subscriber func(old, new Config)

// Store holds the active configuration. Readers never block, a reload swaps the
// whole snapshot.
type Store struct {
	log  logr.Logger
	path string

	current atomic.Pointer[Config]

	mu          sync.Mutex
	subscribers []Subscriber
}

var _ mitigation.SettingsSource = &Store{}

// NewStore loads path and fails if the initial configuration is unusable.
func NewStore(log logr.Logger, path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{log: log, path: path}
	s.current.Store(&cfg)
	s.warnInconsistent(cfg)
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Config() Config {
	return *s.current.Load()
}

func (s *Store) Settings() mitigation.Settings {
	return s.current.Load().Settings
}

// OnChange registers fn for every successful reload.
func (s *Store) OnChange(fn Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Reload re-reads the file. On error the previous configuration stays active.
func (s *Store) Reload() error {
	cfg, err := Load(s.path)
	if err != nil {
		s.log.Error(err, "config reload rejected, keeping previous configuration", "path", s.path)
		return err
	}
	s.apply(cfg)
	return nil
}

// Update validates and applies cfg directly, bypassing the file.
func (s *Store) Update(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	s.apply(cfg)
	return nil
}

func (s *Store) apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := *s.current.Swap(&cfg)
	s.warnInconsistent(cfg)
	s.log.Info("configuration applied", "path", s.path, "enabled", cfg.Enabled,
		"coreControl", cfg.Settings.CoreControl.Enabled)

	for _, fn := range s.subscribers {
		fn(old, cfg)
	}
}

func (s *Store) warnInconsistent(cfg Config) {
	th := cfg.Settings.Throttle
	if th.CapOrderingViolated() {
		s.log.Info("warning: tier caps do not decrease with severity, throttling will be inconsistent",
			"low", th.LowCapFreq, "mid", th.MidCapFreq, "max", th.MaxCapFreq)
	}
}

// Watch reloads the configuration whenever the file changes until ctx is done.
// The directory is watched so that editors replacing the file are picked up.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(s.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}
	s.log.V(4).Info("watching config file", "path", target)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.log.V(5).Info("config file event", "op", event.Op.String())
			_ = s.Reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Error(err, "config watcher error")
		}
	}
}

// Start runs Watch, so the store can be added to a manager.
func (s *Store) Start(ctx context.Context) error {
	return s.Watch(ctx)
}
