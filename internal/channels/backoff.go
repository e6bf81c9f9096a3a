package channels

import "sync"

// Backoff defaults shared by the adapters.
const (
	DefaultBackoffBaseMs  int64 = 1000
	DefaultBackoffMaxMs   int64 = 30000
	DefaultBackoffRetries       = 10
)

// Backoff tracks exponential reconnect delay for one channel. NextBackoffMs
// returns nil once maxAttempts is reached; a successful connect resets it.
type Backoff struct {
	mu          sync.Mutex
	baseMs      int64
	maxDelayMs  int64
	maxAttempts int
	attempts    int
}

// NewBackoff creates a backoff with the given base delay, cap, and attempt
// limit. Non-positive arguments fall back to the defaults.
func NewBackoff(baseMs, maxDelayMs int64, maxAttempts int) *Backoff {
	if baseMs <= 0 {
		baseMs = DefaultBackoffBaseMs
	}
	if maxDelayMs <= 0 {
		maxDelayMs = DefaultBackoffMaxMs
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultBackoffRetries
	}
	return &Backoff{baseMs: baseMs, maxDelayMs: maxDelayMs, maxAttempts: maxAttempts}
}

// NextBackoffMs returns the delay before the next reconnect attempt and
// advances the attempt counter. Nil means the cap is reached and the adapter
// should stop retrying.
func (b *Backoff) NextBackoffMs() *int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attempts >= b.maxAttempts {
		return nil
	}

	delay := b.baseMs
	for i := 0; i < b.attempts && delay < b.maxDelayMs; i++ {
		delay *= 2
	}
	if delay > b.maxDelayMs {
		delay = b.maxDelayMs
	}
	b.attempts++
	return &delay
}

// Reset clears the attempt counter after a successful connect.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
}

// Attempts returns how many reconnects have been scheduled since the last
// reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
