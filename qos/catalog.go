package qos

import (
	"fmt"
	"sync"
)

// Catalog is a shared, mostly-immutable registry of named QoS profiles.
// DEFAULT and SYSTEM cannot be removed or replaced. Get falls back to
// DEFAULT for unknown names, matching spec behavior for stale or
// misconfigured clients.
type Catalog struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewCatalog returns a Catalog seeded with the five built-in profiles.
func NewCatalog() *Catalog {
	return &Catalog{profiles: builtinProfiles()}
}

// Get returns the named profile, or DEFAULT if name is unknown.
func (c *Catalog) Get(name string) Profile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.profiles[name]; ok {
		return p
	}
	return c.profiles[NameDefault]
}

// Add registers or replaces a profile. Permanent names are rejected.
func (c *Catalog) Add(name string, p Profile) error {
	if permanentNames[name] {
		return fmt.Errorf("qos: profile %q is permanent and cannot be replaced", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p.Name = name
	c.profiles[name] = p
	return nil
}

// Remove deletes a profile by name. Permanent names are rejected.
func (c *Catalog) Remove(name string) error {
	if permanentNames[name] {
		return fmt.Errorf("qos: profile %q is permanent and cannot be removed", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.profiles, name)
	return nil
}

// Names returns the currently registered profile names.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.profiles))
	for name := range c.profiles {
		out = append(out, name)
	}
	return out
}
