package ws

import "time"

// Option configures a Hub.
type Option func(*Hub)

// WithEvictionInterval configures how often the idle-cell janitor runs.
func WithEvictionInterval(d time.Duration) Option {
	return func(h *Hub) { h.evictionInterval = d }
}

// WithIdleTimeout sets the quiet period after which an unwatched context
// cell is reclaimed.
func WithIdleTimeout(d time.Duration) Option {
	return func(h *Hub) { h.idleTimeout = d }
}

// WithMailboxSize sets the per-context fan-out buffer capacity.
func WithMailboxSize(size int) Option {
	return func(h *Hub) { h.mailboxSize = size }
}

// WithPollInterval sets the backoff between empty dequeue attempts.
func WithPollInterval(d time.Duration) Option {
	return func(h *Hub) { h.pollInterval = d }
}
