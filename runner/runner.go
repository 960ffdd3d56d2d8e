package runner

import (
	"log/slog"
	"sync"
)

// Coordinator grants at most one in-flight run per account identity.
// Locks are created lazily, one per identity, and live for the process
// lifetime.
type Coordinator struct {
	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	logger *slog.Logger
}

func NewCoordinator(logger *slog.Logger) *Coordinator {
	return &Coordinator{
		locks:  make(map[string]*sync.Mutex),
		logger: logger,
	}
}

// TryRun executes fn under the account's lock and reports whether it
// ran. When a run for the same account is already in flight the request
// is skipped, not queued; the next trigger simply tries again.
func (c *Coordinator) TryRun(accountID string, fn func()) bool {
	lock := c.lockFor(accountID)

	if !lock.TryLock() {
		if c.logger != nil {
			c.logger.Info("run already in flight, skipping", "account", accountID)
		}
		return false
	}
	defer lock.Unlock()

	fn()
	return true
}

// lockFor looks up the account's lock, inserting it under the table
// guard so two concurrent first requests share one lock.
func (c *Coordinator) lockFor(accountID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.locks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[accountID] = lock
	}
	return lock
}
