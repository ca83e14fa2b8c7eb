// Package redisconn provides support for opening the keyed store connection.
package redisconn

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// Config is the required properties to reach the keyed store.
type Config struct {
	Host string
	Port int
}

// Open creates a client for the configured store. The connection is lazy;
// callers that need to know the store is reachable should follow up with Ping.
func Open(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: cfg.Host + ":" + strconv.Itoa(cfg.Port),
	})
}

// Ping checks store reachability with a short deadline. Used at startup and
// by the health endpoint.
func Ping(client *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return client.Ping(ctx).Err()
}
