// Package toolscache holds the per-server cached tool catalogs.
package toolscache

import (
	"sync"

	"github.com/catkins/mcp-bouncer/internal/config"
)

// Tool is one cached catalog entry. InputSchema is the upstream's input
// schema as a plain map; it is nil when that schema could not be converted.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// Cache is a mutex-guarded map of server name to its tool list.
type Cache struct {
	mu       sync.RWMutex
	byServer map[string][]Tool
}

func New() *Cache {
	return &Cache{byServer: make(map[string][]Tool)}
}

func (c *Cache) Set(serverName string, tools []Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byServer[serverName] = tools
}

func (c *Cache) Get(serverName string) []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Tool(nil), c.byServer[serverName]...)
}

func (c *Cache) Clear(serverName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byServer, serverName)
}

func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byServer = make(map[string][]Tool)
}

// FilterEnabled applies the tool toggle map to a server's tool list,
// dropping tools explicitly disabled.
func FilterEnabled(toggles config.ToolToggleMap, serverName string, tools []Tool) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		if toggles.Enabled(serverName, t.Name) {
			out = append(out, t)
		}
	}
	return out
}
