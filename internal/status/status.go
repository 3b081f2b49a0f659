// Package status derives the per-server status surface the UI polls: static
// configuration joined with the live connection overlay and cached tool
// counts. The overlay always wins over derived defaults.
package status

import (
	"github.com/catkins/mcp-bouncer/internal/config"
	"github.com/catkins/mcp-bouncer/internal/overlay"
	"github.com/catkins/mcp-bouncer/internal/toolscache"
)

// ClientStatus is one server's composed status entry.
type ClientStatus struct {
	Name                  string `json:"name"`
	Enabled               bool   `json:"enabled"`
	Transport             string `json:"transport"`
	State                 string `json:"state"`
	LastError             string `json:"last_error,omitempty"`
	AuthorizationRequired bool   `json:"authorization_required"`
	OAuthAuthenticated    bool   `json:"oauth_authenticated"`
	Tools                 int    `json:"tools"`
}

// Composer joins the config store, overlay, and tools cache.
type Composer struct {
	cfg     *config.Store
	overlay *overlay.Overlay
	tools   *toolscache.Cache
}

func NewComposer(cfg *config.Store, ov *overlay.Overlay, tools *toolscache.Cache) *Composer {
	return &Composer{cfg: cfg, overlay: ov, tools: tools}
}

// ComputeClientStatusMap builds a default Disconnected entry for every
// configured server, then overwrites from the overlay snapshot for keys
// present there.
func (c *Composer) ComputeClientStatusMap() (map[string]ClientStatus, error) {
	settings, err := c.cfg.Load()
	if err != nil {
		return nil, err
	}

	out := make(map[string]ClientStatus, len(settings.MCPServers))
	for _, srv := range settings.MCPServers {
		entry := ClientStatus{
			Name:      srv.Name,
			Enabled:   srv.Enabled,
			Transport: string(srv.Transport),
			State:     overlay.StateDisconnected.String(),
		}
		if cached := c.tools.Get(srv.Name); len(cached) > 0 {
			entry.Tools = len(cached)
		}
		out[srv.Name] = entry
	}

	for name, ov := range c.overlay.Snapshot() {
		entry, ok := out[name]
		if !ok {
			entry = ClientStatus{Name: name}
		}
		entry.State = ov.State.String()
		entry.LastError = ov.LastError
		entry.AuthorizationRequired = ov.AuthorizationRequired
		entry.OAuthAuthenticated = ov.OAuthAuthenticated
		entry.Tools = ov.Tools
		out[name] = entry
	}

	return out, nil
}
