package poller

import (
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mixelka/tgmailsync/internal/email"
)

// DedupCache remembers delivered messages per account for the life of the process.
// It is bounded; the store stays authoritative after eviction or restart.
type DedupCache struct {
	mu       sync.Mutex
	size     int
	accounts map[int64]*lru.Cache[string, struct{}]
}

// NewDedupCache creates a cache holding up to size identities per account
func NewDedupCache(size int) *DedupCache {
	if size <= 0 {
		size = 10000
	}
	return &DedupCache{
		size:     size,
		accounts: make(map[int64]*lru.Cache[string, struct{}]),
	}
}

// Seen reports whether the message was already handled for the account
func (c *DedupCache) Seen(accountID int64, msg *email.Message) bool {
	cache := c.account(accountID)
	return cache.Contains(identity(msg))
}

// Mark records the message as handled
func (c *DedupCache) Mark(accountID int64, msg *email.Message) {
	cache := c.account(accountID)
	cache.Add(identity(msg), struct{}{})
}

// Forget drops everything remembered for an account
func (c *DedupCache) Forget(accountID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.accounts, accountID)
}

func (c *DedupCache) account(accountID int64) *lru.Cache[string, struct{}] {
	c.mu.Lock()
	defer c.mu.Unlock()

	cache, ok := c.accounts[accountID]
	if !ok {
		// lru.New only fails for a non-positive size
		cache, _ = lru.New[string, struct{}](c.size)
		c.accounts[accountID] = cache
	}
	return cache
}

// identity prefers the Message-ID; UIDs are only unique per mailbox and UIDVALIDITY
func identity(msg *email.Message) string {
	if msg.MessageID != "" {
		return "mid:" + msg.MessageID
	}
	return "uid:" + msg.Mailbox + "/" +
		strconv.FormatUint(uint64(msg.UIDValidity), 10) + "/" +
		strconv.FormatUint(uint64(msg.UID), 10)
}
