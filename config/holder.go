// Package config provides configuration loading and hot reload.
package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Holder owns the live configuration. Readers call Get; reloads swap the
// pointer and notify subscribers.
type Holder struct {
	mu       sync.RWMutex
	config   *Config
	path     string
	logger   zerolog.Logger
	watcher  *fsnotify.Watcher
	onChange []func(*Config)
	onReload []func(error)
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewHolder creates a new config holder and loads the initial configuration.
func NewHolder(path string, logger zerolog.Logger) (*Holder, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}

	h := &Holder{
		config: cfg,
		path:   absPath,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	return h, nil
}

// Get returns the current configuration.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Reload reads the file again. An invalid file leaves the current
// configuration in place.
func (h *Holder) Reload() error {
	newCfg, err := Load(h.path)
	if err != nil {
		h.notifyReload(err)
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	oldCfg := h.config
	h.config = newCfg
	listeners := append([]func(*Config){}, h.onChange...)
	h.mu.Unlock()

	h.logChanges(oldCfg, newCfg)

	for _, fn := range listeners {
		fn(newCfg)
	}
	h.notifyReload(nil)

	h.logger.Info().Str("path", h.path).Msg("configuration reloaded")
	return nil
}

// SetLogger replaces the logger used for reload messages.
func (h *Holder) SetLogger(logger zerolog.Logger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logger = logger
}

// OnReload registers a callback run after every reload attempt.
func (h *Holder) OnReload(fn func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onReload = append(h.onReload, fn)
}

func (h *Holder) notifyReload(err error) {
	h.mu.RLock()
	hooks := append([]func(error){}, h.onReload...)
	h.mu.RUnlock()
	for _, fn := range hooks {
		fn(err)
	}
}

// OnChange registers a callback to be called when config changes.
func (h *Holder) OnChange(fn func(*Config)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = append(h.onChange, fn)
}

// reloadDebounce coalesces the burst of events editors emit for one save.
const reloadDebounce = 100 * time.Millisecond

// WatchFile reloads the configuration whenever the file is written or
// replaced. The parent directory is watched so atomic renames are seen.
func (h *Holder) WatchFile() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(h.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(h.path), err)
	}
	h.mu.Lock()
	h.watcher = w
	h.mu.Unlock()

	go h.watchEvents(w)

	h.logger.Info().Str("path", h.path).Msg("config file watch started")
	return nil
}

// WatchSignals reloads the configuration on SIGHUP until Stop is called.
func (h *Holder) WatchSignals() {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-hup:
				h.reloadFrom("sighup")
			case <-h.stopCh:
				return
			}
		}
	}()
}

// Stop ends file and signal watching. Safe to call more than once.
func (h *Holder) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		h.mu.Lock()
		w := h.watcher
		h.mu.Unlock()
		if w != nil {
			w.Close()
		}
	})
}

func (h *Holder) watchEvents(w *fsnotify.Watcher) {
	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != h.path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			h.reloadFrom("file")
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			h.logger.Warn().Err(err).Msg("config watcher")
		case <-h.stopCh:
			return
		}
	}
}

func (h *Holder) reloadFrom(source string) {
	if err := h.Reload(); err != nil {
		h.logger.Error().Err(err).Str("source", source).Msg("config reload rejected")
	}
}

func (h *Holder) logChanges(old, new *Config) {
	if old.Logging.Level != new.Logging.Level {
		h.logger.Info().
			Str("old", old.Logging.Level).
			Str("new", new.Logging.Level).
			Msg("log level changed")
	}

	if old.RateLimit.Enabled != new.RateLimit.Enabled {
		h.logger.Info().
			Bool("old", old.RateLimit.Enabled).
			Bool("new", new.RateLimit.Enabled).
			Msg("rate limiting toggled")
	}

	oldRules, newRules := old.RateLimit.Rules(), new.RateLimit.Rules()
	for tier, nr := range newRules {
		if or, ok := oldRules[tier]; !ok || or != nr {
			h.logger.Info().
				Str("tier", string(tier)).
				Int64("user_limit", nr.UserLimit).
				Int64("ip_limit", nr.IPLimit).
				Dur("window", nr.Window).
				Msg("rate limit tier changed")
		}
	}

	for _, field := range NonReloadableFields() {
		if nonReloadableValue(old, field) != nonReloadableValue(new, field) {
			h.logger.Warn().Str("field", field).Msg("field changed on disk but requires a restart")
		}
	}
}

// ReloadableFields returns which fields can be changed without restart.
func ReloadableFields() []string {
	return []string{
		"rate_limit.enabled",
		"rate_limit.window",
		"rate_limit.tiers",
		"logging.level",
	}
}

// NonReloadableFields returns which fields require a restart.
func NonReloadableFields() []string {
	return []string{
		"server.host",
		"server.port",
		"database.driver",
		"database.path",
		"database.dsn",
		"redis.addr",
		"providers.mode",
		"storage.driver",
		"billing.mode",
	}
}

func nonReloadableValue(cfg *Config, field string) string {
	switch field {
	case "server.host":
		return cfg.Server.Host
	case "server.port":
		return fmt.Sprint(cfg.Server.Port)
	case "database.driver":
		return cfg.Database.Driver
	case "database.path":
		return cfg.Database.Path
	case "database.dsn":
		return cfg.Database.DSN
	case "redis.addr":
		return cfg.Redis.Addr
	case "providers.mode":
		return cfg.Providers.Mode
	case "storage.driver":
		return cfg.Storage.Driver
	case "billing.mode":
		return cfg.Billing.Mode
	}
	return ""
}
