package subagent

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// BuildContext coordinates a batch of write-capable builder tasks sharing
// one workspace: per-path file locks, a cross-task interface registry, and
// aggregate change statistics. Created once per builder batch and shared by
// reference with every spawned agent.
type BuildContext struct {
	conventionsMu sync.Mutex
	conventions   []string
	sealed        bool

	registryMu sync.RWMutex
	registry   map[string]string

	locksMu sync.Mutex
	locks   map[string]*fileLock

	linesAdded      atomic.Int64
	linesRemoved    atomic.Int64
	filesModified   atomic.Int64
	lockContentions atomic.Int64
}

// fileLock wraps a path mutex; TryLock failure is the contention signal.
type fileLock struct {
	mu sync.Mutex
}

// NewBuildContext creates an empty build context for one builder batch.
func NewBuildContext() *BuildContext {
	return &BuildContext{
		registry: make(map[string]string),
		locks:    make(map[string]*fileLock),
	}
}

// SetConventions records the style rules every builder must honor. It must
// be called once, before execution starts; later calls fail.
func (b *BuildContext) SetConventions(conventions []string) error {
	b.conventionsMu.Lock()
	defer b.conventionsMu.Unlock()
	if b.sealed {
		return ErrConventionsSealed
	}
	b.conventions = append([]string(nil), conventions...)
	b.sealed = true
	return nil
}

// Conventions returns the recorded style rules.
func (b *BuildContext) Conventions() []string {
	b.conventionsMu.Lock()
	defer b.conventionsMu.Unlock()
	return append([]string(nil), b.conventions...)
}

// RegisterType publishes a symbol's declared signature so other builders
// can code against it before the defining file lands.
func (b *BuildContext) RegisterType(name, signature string) {
	b.registryMu.Lock()
	defer b.registryMu.Unlock()
	b.registry[name] = signature
}

// LookupType returns the registered signature for name, if any.
func (b *BuildContext) LookupType(name string) (string, bool) {
	b.registryMu.RLock()
	defer b.registryMu.RUnlock()
	signature, ok := b.registry[name]
	return signature, ok
}

// RegisteredTypes returns a copy of the full interface registry.
func (b *BuildContext) RegisteredTypes() map[string]string {
	b.registryMu.RLock()
	defer b.registryMu.RUnlock()
	out := make(map[string]string, len(b.registry))
	for name, signature := range b.registry {
		out[name] = signature
	}
	return out
}

// WithFileLock runs fn while holding the exclusive lock for path, creating
// the lock on first use. LockContentions is incremented once when the lock
// is already held by another task at acquisition time. The lock is released
// on every exit path, including fn returning an error or panicking.
func (b *BuildContext) WithFileLock(path string, fn func() error) error {
	lock := b.lockFor(path)

	if !lock.mu.TryLock() {
		b.lockContentions.Add(1)
		lock.mu.Lock()
	}
	defer lock.mu.Unlock()

	return fn()
}

// lockFor finds or creates the lock object for path. The meta-lock ensures
// two tasks never create two different locks for the same path.
func (b *BuildContext) lockFor(path string) *fileLock {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	lock, ok := b.locks[path]
	if !ok {
		lock = &fileLock{}
		b.locks[path] = lock
	}
	return lock
}

// RecordChange folds one task's file-edit outcome into the aggregate stats.
func (b *BuildContext) RecordChange(linesAdded, linesRemoved int, fileModified bool) {
	b.linesAdded.Add(int64(linesAdded))
	b.linesRemoved.Add(int64(linesRemoved))
	if fileModified {
		b.filesModified.Add(1)
	}
}

// BuildStats is a snapshot of the aggregate change counters. Each field is
// individually monotone for the life of the context.
type BuildStats struct {
	// LinesAdded is the total lines added across all builders.
	LinesAdded int64
	// LinesRemoved is the total lines removed across all builders.
	LinesRemoved int64
	// FilesModified counts file-modifying edits recorded.
	FilesModified int64
	// LockContentions counts observed wait-for-lock events.
	LockContentions int64
}

// Stats returns a snapshot of the change counters. Safe to call at any
// time; reads are atomic per field.
func (b *BuildContext) Stats() BuildStats {
	return BuildStats{
		LinesAdded:      b.linesAdded.Load(),
		LinesRemoved:    b.linesRemoved.Load(),
		FilesModified:   b.filesModified.Load(),
		LockContentions: b.lockContentions.Load(),
	}
}

// String returns a formatted string representation of the stats.
func (s BuildStats) String() string {
	return fmt.Sprintf("build: +%d/-%d lines, %d files modified, %d lock contentions",
		s.LinesAdded, s.LinesRemoved, s.FilesModified, s.LockContentions)
}
