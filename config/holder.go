package config

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDebounce coalesces the burst of events editors emit for one save.
const reloadDebounce = 100 * time.Millisecond

// Holder serves the current configuration and swaps it on reload.
// A rejected reload keeps the previous configuration.
type Holder struct {
	current atomic.Pointer[Config]
	path    string
	logger  zerolog.Logger

	reloadMu sync.Mutex // serializes Reload

	mu       sync.Mutex
	onChange []func(*Config)
	onError  []func(error)
	stop     context.CancelFunc
	done     chan struct{}
}

// NewHolder loads path and returns a holder for it.
func NewHolder(path string, logger zerolog.Logger) (*Holder, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}

	cfg, err := Load(abs)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	h := &Holder{path: abs, logger: logger}
	h.current.Store(cfg)
	return h, nil
}

// Get returns the current configuration. Callers must not mutate it.
func (h *Holder) Get() *Config {
	return h.current.Load()
}

// OnChange registers fn to run after every accepted reload.
func (h *Holder) OnChange(fn func(*Config)) {
	h.mu.Lock()
	h.onChange = append(h.onChange, fn)
	h.mu.Unlock()
}

// OnReloadError registers fn to run after every rejected reload.
func (h *Holder) OnReloadError(fn func(error)) {
	h.mu.Lock()
	h.onError = append(h.onError, fn)
	h.mu.Unlock()
}

// Reload reads the file again. On success the new configuration replaces the
// old one and OnChange callbacks run in registration order.
func (h *Holder) Reload() error {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	next, err := Load(h.path)
	if err != nil {
		h.logger.Error().Err(err).Str("path", h.path).Msg("config reload rejected, keeping current config")
		for _, fn := range h.errorHandlers() {
			fn(err)
		}
		return fmt.Errorf("reload config: %w", err)
	}

	prev := h.current.Swap(next)
	h.report(prev, next)

	for _, fn := range h.changeHandlers() {
		fn(next)
	}
	return nil
}

// Watch reloads on writes to the file and on SIGHUP until ctx is done or
// Stop is called. The parent directory is watched so that editors which
// save by rename are seen.
func (h *Holder) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.stop = cancel
	h.done = make(chan struct{})
	done := h.done
	h.mu.Unlock()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	go func() {
		defer close(done)
		defer watcher.Close()
		defer signal.Stop(hup)
		h.loop(ctx, watcher, hup)
	}()

	h.logger.Info().Str("path", h.path).Msg("watching config file and SIGHUP")
	return nil
}

// Stop ends a Watch and waits for its goroutine to exit.
func (h *Holder) Stop() {
	h.mu.Lock()
	stop, done := h.stop, h.done
	h.mu.Unlock()

	if stop == nil {
		return
	}
	stop()
	<-done
}

func (h *Holder) loop(ctx context.Context, watcher *fsnotify.Watcher, hup <-chan os.Signal) {
	name := filepath.Base(h.path)

	// Armed by file events, fires once the burst settles.
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			h.logger.Debug().Str("op", ev.Op.String()).Msg("config file changed")
			timer.Reset(reloadDebounce)

		case <-timer.C:
			_ = h.Reload()

		case <-hup:
			h.logger.Info().Msg("SIGHUP received")
			_ = h.Reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			h.logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (h *Holder) changeHandlers() []func(*Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]func(*Config){}, h.onChange...)
}

func (h *Holder) errorHandlers() []func(error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]func(error){}, h.onError...)
}

// report logs which sections changed. Changes to sections that are only read
// at startup are logged as warnings since they wait for a restart.
func (h *Holder) report(prev, next *Config) {
	applied, pending := ChangedFields(prev, next)
	h.logger.Info().Strs("changed", applied).Msg("configuration reloaded")
	if len(pending) > 0 {
		h.logger.Warn().Strs("fields", pending).Msg("changes take effect after restart")
	}
}

// field reads one dotted config key.
type field struct {
	name string
	get  func(*Config) any
}

var reloadable = []field{
	{"plans", func(c *Config) any { return c.Plans }},
	{"cache.ttl", func(c *Config) any { return c.Cache.TTL }},
	{"abuse.window", func(c *Config) any { return c.Abuse.Window }},
	{"abuse.threshold", func(c *Config) any { return c.Abuse.Threshold }},
	{"metering.failure_policy", func(c *Config) any { return c.Metering.FailurePolicy }},
	{"database.timeout", func(c *Config) any { return c.Database.Timeout }},
	{"logging.level", func(c *Config) any { return c.Logging.Level }},
}

var restartOnly = []field{
	{"server.host", func(c *Config) any { return c.Server.Host }},
	{"server.port", func(c *Config) any { return c.Server.Port }},
	{"database.driver", func(c *Config) any { return c.Database.Driver }},
	{"database.dsn", func(c *Config) any { return c.Database.DSN }},
	{"redis.addr", func(c *Config) any { return c.Redis.Addr }},
	{"cache.driver", func(c *Config) any { return c.Cache.Driver }},
	{"abuse.driver", func(c *Config) any { return c.Abuse.Driver }},
	{"billing.provider", func(c *Config) any { return c.Billing.Provider }},
	{"reset.schedule", func(c *Config) any { return c.Reset.Schedule }},
}

// ChangedFields compares two configurations and returns the changed keys,
// split into those applied by a reload and those that need a restart.
func ChangedFields(prev, next *Config) (applied, pending []string) {
	return diff(reloadable, prev, next), diff(restartOnly, prev, next)
}

func diff(fields []field, prev, next *Config) []string {
	var out []string
	for _, f := range fields {
		if !reflect.DeepEqual(f.get(prev), f.get(next)) {
			out = append(out, f.name)
		}
	}
	return out
}

// ReloadableFields returns which fields can be changed without restart.
func ReloadableFields() []string { return names(reloadable) }

// NonReloadableFields returns which fields require a restart.
func NonReloadableFields() []string { return names(restartOnly) }

func names(fields []field) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.name
	}
	return out
}
