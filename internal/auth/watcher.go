package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ChangeFunc is called after the identity behind the token changed. It runs
// on the goroutine that detected the change.
type ChangeFunc func(prevIdentity, nextIdentity string)

// Watcher polls a token Source and reports identity changes. A check runs on
// every tick of the poll interval and whenever Focus is called.
type Watcher struct {
	source   Source
	poll     time.Duration
	onChange ChangeFunc
	logger   *slog.Logger

	checkMu sync.Mutex // serializes checks so each change is reported once

	mu       sync.RWMutex
	token    string
	identity string
}

// NewWatcher creates a Watcher seeded with the source's current token.
// If pollInterval is <= 0, it defaults to 2s.
func NewWatcher(source Source, pollInterval time.Duration, onChange ChangeFunc) *Watcher {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	w := &Watcher{
		source:   source,
		poll:     pollInterval,
		onChange: onChange,
		logger:   slog.Default(),
	}
	if tok, err := source.Token(); err == nil {
		w.token = tok
		w.identity = Identity(tok)
	} else {
		w.logger.Warn("reading auth token", "error", err)
	}
	return w
}

// OnChange replaces the change callback. It must be called before Run.
func (w *Watcher) OnChange(fn ChangeFunc) {
	w.checkMu.Lock()
	w.onChange = fn
	w.checkMu.Unlock()
}

// Token returns the last token read from the source.
func (w *Watcher) Token() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.token
}

// Identity returns the identity of the last token read.
func (w *Watcher) Identity() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.identity
}

// Run checks the source until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
		w.Check()
	}
}

// Focus runs an immediate check, as when a UI window regains focus.
// It reports whether the identity changed.
func (w *Watcher) Focus() bool {
	return w.Check()
}

// Check re-reads the token. A new token for the same identity is recorded
// silently; a new identity is recorded and reported to the change callback.
// A source error leaves the recorded token unchanged.
func (w *Watcher) Check() bool {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	tok, err := w.source.Token()
	if err != nil {
		w.logger.Warn("reading auth token", "error", err)
		return false
	}
	next := Identity(tok)

	w.mu.Lock()
	prev := w.identity
	w.token = tok
	w.identity = next
	w.mu.Unlock()

	if prev == next {
		return false
	}
	w.logger.Info("identity changed", "signed_in", next != "")
	if w.onChange != nil {
		w.onChange(prev, next)
	}
	return true
}
