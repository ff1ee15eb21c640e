// Package redisutil dials the Redis deployment shared by the execution store,
// the lease locker and the media store.
package redisutil

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pingup/pingup/core/infra/tlsenv"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultURL is used when a store is constructed with an empty URL.
	DefaultURL = "redis://localhost:6379"

	envClusterAddrs = "REDIS_CLUSTER_ADDRESSES"
	tlsPrefix       = "REDIS"

	pingTimeout = 2 * time.Second
)

// Connect builds a client for url and verifies it answers PING.
func Connect(url string) (redis.UniversalClient, error) {
	client, err := NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

// NewClient returns a universal client without dialing. REDIS_CLUSTER_ADDRESSES
// switches it to cluster mode; credentials and db still come from url.
func NewClient(url string) (redis.UniversalClient, error) {
	opts, err := ParseOptions(url)
	if err != nil {
		return nil, err
	}
	return redis.NewUniversalClient(universal(opts, tlsenv.List(envClusterAddrs))), nil
}

// ParseOptions parses url and layers REDIS_TLS_* settings over it.
func ParseOptions(url string) (*redis.Options, error) {
	if strings.TrimSpace(url) == "" {
		url = DefaultURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := tlsenv.Load(tlsPrefix, opts.TLSConfig)
	if err != nil {
		return nil, err
	}
	opts.TLSConfig = tlsConfig
	return opts, nil
}

func universal(opts *redis.Options, cluster []string) *redis.UniversalOptions {
	addrs := cluster
	if len(addrs) == 0 {
		addrs = []string{opts.Addr}
	}
	return &redis.UniversalOptions{
		Addrs:     addrs,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	}
}
