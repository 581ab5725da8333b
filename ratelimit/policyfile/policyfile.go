// Package policyfile loads tenant rate-limit policies from a YAML file and
// keeps a limiter in sync with it.
//
//	tenants:
//	  acme:
//	    limit: 50
//	    window: 60s
//	    tokensPerMinute: 200
//	    tools:
//	      export_orders: {limit: 2, window: 1h, cost: 20}
//
// Durations use Go syntax ("90s", "1h").
package policyfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/mcp-gateway/ratelimit"
	"gopkg.in/yaml.v3"
)

// File is the decoded policy document.
type File struct {
	Tenants map[string]ratelimit.Config `yaml:"tenants"`
}

// Parse decodes and validates a policy document. Unknown fields are
// rejected.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("policyfile: %w", err)
	}
	for _, tenant := range f.TenantIDs() {
		cfg := f.Tenants[tenant].Normalize()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("policyfile: tenant %q: %w", tenant, err)
		}
		f.Tenants[tenant] = cfg
	}
	return &f, nil
}

// Load reads and parses the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policyfile: %w", err)
	}
	return Parse(data)
}

// TenantIDs returns the configured tenants in sorted order.
func (f *File) TenantIDs() []string {
	ids := make([]string, 0, len(f.Tenants))
	for id := range f.Tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Apply pushes every tenant's config into l.
func (f *File) Apply(ctx context.Context, l ratelimit.Limiter) error {
	for _, tenant := range f.TenantIDs() {
		if err := l.SetConfig(ctx, tenant, f.Tenants[tenant]); err != nil {
			return fmt.Errorf("policyfile: apply tenant %q: %w", tenant, err)
		}
	}
	return nil
}

// Watcher re-applies a policy file whenever it changes on disk.
type Watcher struct {
	path     string
	limiter  ratelimit.Limiter
	log      *slog.Logger
	debounce time.Duration
	applied  func(*File)
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the watcher's logger.
func WithLogger(log *slog.Logger) Option {
	return func(w *Watcher) {
		if log != nil {
			w.log = log
		}
	}
}

// WithDebounce coalesces bursts of file events into one reload.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithOnApply is called after every successful apply.
func WithOnApply(fn func(*File)) Option {
	return func(w *Watcher) { w.applied = fn }
}

// NewWatcher creates a watcher for path feeding l.
func NewWatcher(path string, l ratelimit.Limiter, opts ...Option) *Watcher {
	w := &Watcher{
		path:     path,
		limiter:  l,
		log:      slog.Default(),
		debounce: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Reload loads and applies the file once.
func (w *Watcher) Reload(ctx context.Context) error {
	f, err := Load(w.path)
	if err != nil {
		return err
	}
	if err := f.Apply(ctx, w.limiter); err != nil {
		return err
	}
	w.log.InfoContext(ctx, "policyfile.apply.ok", slog.String("path", w.path), slog.Int("tenants", len(f.Tenants)))
	if w.applied != nil {
		w.applied(f)
	}
	return nil
}

// Run applies the file and then watches it until ctx is done. The parent
// directory is watched so that editors which replace the file by rename
// are picked up. A failed reload is logged and the previous configs stay
// in effect.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Reload(ctx); err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policyfile: %w", err)
	}
	defer fw.Close()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("policyfile: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("policyfile: watch %s: %w", filepath.Dir(abs), err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.WarnContext(ctx, "policyfile.watch.fail", slog.String("path", w.path), slog.String("err", err.Error()))
		case <-fire:
			fire = nil
			if err := w.Reload(ctx); err != nil {
				w.log.ErrorContext(ctx, "policyfile.apply.fail", slog.String("path", w.path), slog.String("err", err.Error()))
			}
		}
	}
}
