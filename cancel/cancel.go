// Package cancel provides hierarchical cancellation tokens for agent tasks.
//
// A root token fans out to child tokens; cancelling a token cancels every
// present and future descendant, while cancelling a child never affects its
// ancestors or siblings. Running agents poll IsCancelled between turns and
// select on Done during long waits.
package cancel

import (
	"context"
	"sync"
)

// Token is a node in a cancellation tree.
type Token struct {
	mu        sync.Mutex
	done      chan struct{}
	cancelled bool
	children  []*Token
}

// NewRoot creates the root token for a batch.
func NewRoot() *Token {
	return &Token{done: make(chan struct{})}
}

// Child derives a new token that is cancelled whenever t is cancelled.
// A child created from an already-cancelled parent is born cancelled.
func (t *Token) Child() *Token {
	child := &Token{done: make(chan struct{})}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		child.cancelled = true
		close(child.done)
		return child
	}
	t.children = append(t.children, child)
	return child
}

// Cancel cancels this token and all of its descendants. It is idempotent
// and never affects ancestors or siblings.
func (t *Token) Cancel() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	close(t.done)
	children := t.children
	t.children = nil
	t.mu.Unlock()

	for _, child := range children {
		child.Cancel()
	}
}

// IsCancelled reports whether the token has been cancelled.
func (t *Token) IsCancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the token is cancelled, so callers can
// select on cancellation alongside other channels.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Context bridges the token into a context.Context derived from parent.
// The returned context is cancelled when the token fires, when parent is
// cancelled, or when the returned CancelFunc is called.
func (t *Token) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancelCtx := context.WithCancel(parent)
	go func() {
		select {
		case <-t.done:
			cancelCtx()
		case <-ctx.Done():
		}
	}()
	return ctx, cancelCtx
}
