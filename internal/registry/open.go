package registry

import (
	"context"
	"fmt"

	"github.com/gaspardpetit/mcprelay/core/config"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Open builds a Store for the named backend. dsn is a directory for file, a
// database path for sqlite and a redis URL or host:port for redis.
func Open(ctx context.Context, backend, dsn string) (Store, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile:
		if dsn == "" {
			return nil, fmt.Errorf("registry: file backend requires a directory")
		}
		return NewFileStore(dsn)
	case BackendSQLite:
		if dsn == "" {
			return nil, fmt.Errorf("registry: sqlite backend requires a database path")
		}
		return NewSQLiteStore(dsn)
	case BackendRedis:
		if dsn == "" {
			return nil, fmt.Errorf("registry: redis backend requires an address")
		}
		c, err := config.NewRedisClient(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("registry: connect redis: %w", err)
		}
		return NewRedisStore(c), nil
	default:
		return nil, fmt.Errorf("registry: unknown backend %q", backend)
	}
}
