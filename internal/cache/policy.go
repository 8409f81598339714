package cache

import (
	"strings"
	"time"
)

// Class describes the cache behavior for a group of methods. Methods
// keyed by a fixed block height can use Infinite; "current state"
// methods get a short TTL. Patterns are exact method names or prefixes
// ending in '*'.
type Class struct {
	Name              string
	TTL               time.Duration
	Infinite          bool
	InvalidateOnReorg bool
	Patterns          []string
}

func (c *Class) matches(method string) bool {
	for _, pat := range c.Patterns {
		if strings.HasSuffix(pat, "*") {
			if strings.HasPrefix(method, strings.TrimSuffix(pat, "*")) {
				return true
			}
		} else if pat == method {
			return true
		}
	}
	return false
}

// Policy resolves a method name to its cache class and TTL.
type Policy struct {
	classes    []Class
	defaultTTL time.Duration
}

// NewPolicy creates a policy. defaultTTL applies to methods matching no
// class; zero means such methods are not cached.
func NewPolicy(classes []Class, defaultTTL time.Duration) *Policy {
	return &Policy{classes: classes, defaultTTL: defaultTTL}
}

// Lookup returns the class name, TTL and cacheability for a method.
// An infinite TTL is reported as ttl=0 with cacheable=true, matching
// Cache.Put semantics.
func (p *Policy) Lookup(method string) (class string, ttl time.Duration, cacheable bool) {
	if p == nil {
		return "", 0, false
	}
	for i := range p.classes {
		c := &p.classes[i]
		if !c.matches(method) {
			continue
		}
		if c.Infinite {
			return c.Name, 0, true
		}
		return c.Name, c.TTL, c.TTL > 0
	}
	if p.defaultTTL > 0 {
		return "default", p.defaultTTL, true
	}
	return "", 0, false
}

// InvalidatesOnReorg reports whether the named class is configured to
// drop its entries on a chain reorganization.
func (p *Policy) InvalidatesOnReorg(class string) bool {
	if p == nil {
		return false
	}
	for i := range p.classes {
		if p.classes[i].Name == class {
			return p.classes[i].InvalidateOnReorg
		}
	}
	return false
}
