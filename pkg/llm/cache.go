package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// ResponseCache memoizes generation results by prompt hash so repeated
// prompts skip the provider call. Only successful responses are stored;
// it lives as long as the Generator that owns it.
type ResponseCache struct {
	mu      sync.RWMutex
	entries map[string]string
}

func NewResponseCache() *ResponseCache {
	return &ResponseCache{
		entries: make(map[string]string),
	}
}

func (c *ResponseCache) Get(prompt string) (string, bool) {
	key := cacheKey(prompt)

	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *ResponseCache) Put(prompt, response string) {
	key := cacheKey(prompt)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = response
}

func (c *ResponseCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func cacheKey(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}
