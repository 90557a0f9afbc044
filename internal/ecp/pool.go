package ecp

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Pool hands out cached per-device clients in two timeout tiers: a
// standard tier for info queries and a fast tier for interactive commands
// and liveness probes.
type Pool struct {
	standard *lru.Cache[string, *Client]
	fast     *lru.Cache[string, *Client]

	standardTimeout time.Duration
	fastTimeout     time.Duration
}

// NewPool creates a client pool holding at most size clients per tier.
func NewPool(size int, standardTimeout, fastTimeout time.Duration) (*Pool, error) {
	if size <= 0 {
		size = 64
	}
	standard, err := lru.New[string, *Client](size)
	if err != nil {
		return nil, fmt.Errorf("create client cache: %w", err)
	}
	fast, err := lru.New[string, *Client](size)
	if err != nil {
		return nil, fmt.Errorf("create client cache: %w", err)
	}
	return &Pool{
		standard:        standard,
		fast:            fast,
		standardTimeout: standardTimeout,
		fastTimeout:     fastTimeout,
	}, nil
}

// Get returns a standard-timeout client for the given device IP.
func (p *Pool) Get(ip string) (*Client, error) {
	return p.lookup(p.standard, ip, p.standardTimeout)
}

// GetFast returns a short-timeout client for the given device IP.
func (p *Pool) GetFast(ip string) (*Client, error) {
	return p.lookup(p.fast, ip, p.fastTimeout)
}

func (p *Pool) lookup(cache *lru.Cache[string, *Client], ip string, timeout time.Duration) (*Client, error) {
	if client, ok := cache.Get(ip); ok {
		return client, nil
	}
	client, err := NewClient(ip, timeout)
	if err != nil {
		return nil, err
	}
	cache.Add(client.IP(), client)
	return client, nil
}
