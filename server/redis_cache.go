package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/vmihailenco/msgpack/v5"
)

// RedisCache implements the Cache interface using Redis
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a new Redis cache and pings it once.
func NewRedisCache(ctx context.Context, address, password string, ttlSeconds int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        address,
		Password:    password,
		DB:          0,
		DialTimeout: 2 * time.Second,
		ReadTimeout: 2 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisCache{
		client: client,
		ttl:    time.Duration(ttlSeconds) * time.Second,
	}, nil
}

// Close closes the Redis client
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func employeeCacheKey(employeeID string) string {
	return fmt.Sprintf("employee:%s", employeeID)
}

// GetEmployee gets an employee from the cache
func (c *RedisCache) GetEmployee(ctx context.Context, employeeID string) (*Employee, error) {
	data, err := c.client.Get(ctx, employeeCacheKey(employeeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("employee %s not in cache: %w", employeeID, ErrNotFound)
		}
		return nil, err
	}

	var e Employee
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode cached employee: %v", err)
	}
	return &e, nil
}

// SetEmployee sets an employee in the cache
func (c *RedisCache) SetEmployee(ctx context.Context, e *Employee) error {
	data, err := msgpack.Marshal(e)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, employeeCacheKey(e.EmployeeID), data, c.ttl).Err()
}

// DeleteEmployee deletes an employee from the cache
func (c *RedisCache) DeleteEmployee(ctx context.Context, employeeID string) error {
	return c.client.Del(ctx, employeeCacheKey(employeeID)).Err()
}
