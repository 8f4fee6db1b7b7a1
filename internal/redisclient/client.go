// Copyright 2025 James Ross

// Package redisclient centralizes go-redis client construction so every
// caller gets the same pool-sizing defaults instead of hand-rolling
// redis.Options.
package redisclient

import (
	"fmt"
	"runtime"

	"github.com/redis/go-redis/v9"
)

// New parses rawURL and returns a configured go-redis client. poolSize
// overrides the pool size encoded in rawURL (or go-redis's own default)
// when positive; otherwise it falls back to 10x NumCPU, matching the
// teacher's pool-sizing heuristic for a single shared connection.
func New(rawURL string, poolSize int) (*redis.Client, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("redisclient: invalid url: %w", err)
	}
	if poolSize > 0 {
		opt.PoolSize = poolSize
	} else if opt.PoolSize <= 0 {
		opt.PoolSize = 10 * runtime.NumCPU()
	}
	return redis.NewClient(opt), nil
}
