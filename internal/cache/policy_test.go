package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testPolicy() *Policy {
	return NewPolicy([]Class{
		{
			Name:              "block",
			Infinite:          true,
			InvalidateOnReorg: true,
			Patterns:          []string{"eth_getBlockByNumber", "eth_getBlockByHash"},
		},
		{
			Name:     "state",
			TTL:      12 * time.Second,
			Patterns: []string{"eth_getBalance", "eth_call"},
		},
		{
			Name:     "tx",
			TTL:      time.Minute,
			Patterns: []string{"eth_getTransaction*"},
		},
		{
			Name:     "never",
			TTL:      0,
			Patterns: []string{"eth_sendRawTransaction"},
		},
	}, 0)
}

func TestPolicy_Lookup(t *testing.T) {
	p := testPolicy()

	tests := []struct {
		method    string
		class     string
		ttl       time.Duration
		cacheable bool
	}{
		{"eth_getBlockByNumber", "block", 0, true},
		{"eth_getBalance", "state", 12 * time.Second, true},
		{"eth_getTransactionReceipt", "tx", time.Minute, true},
		{"eth_sendRawTransaction", "never", 0, false},
		{"eth_unknownMethod", "", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			class, ttl, cacheable := p.Lookup(tt.method)
			assert.Equal(t, tt.class, class)
			assert.Equal(t, tt.ttl, ttl)
			assert.Equal(t, tt.cacheable, cacheable)
		})
	}
}

func TestPolicy_DefaultTTL(t *testing.T) {
	p := NewPolicy(nil, 5*time.Second)

	class, ttl, cacheable := p.Lookup("anything")
	assert.Equal(t, "default", class)
	assert.Equal(t, 5*time.Second, ttl)
	assert.True(t, cacheable)
}

func TestPolicy_FirstMatchWins(t *testing.T) {
	p := NewPolicy([]Class{
		{Name: "exact", TTL: time.Second, Patterns: []string{"eth_getLogs"}},
		{Name: "prefix", TTL: time.Minute, Patterns: []string{"eth_get*"}},
	}, 0)

	class, _, _ := p.Lookup("eth_getLogs")
	assert.Equal(t, "exact", class)

	class, _, _ = p.Lookup("eth_getCode")
	assert.Equal(t, "prefix", class)
}

func TestPolicy_InvalidatesOnReorg(t *testing.T) {
	p := testPolicy()

	assert.True(t, p.InvalidatesOnReorg("block"))
	assert.False(t, p.InvalidatesOnReorg("state"))
	assert.False(t, p.InvalidatesOnReorg("unknown"))
}

func TestPolicy_NilSafe(t *testing.T) {
	var p *Policy
	_, _, cacheable := p.Lookup("eth_getBalance")
	assert.False(t, cacheable)
	assert.False(t, p.InvalidatesOnReorg("block"))
}
