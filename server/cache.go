package server

import (
	"context"
)

// Cache holds stored employee records by id. A miss returns ErrNotFound.
type Cache interface {
	GetEmployee(ctx context.Context, employeeID string) (*Employee, error)
	SetEmployee(ctx context.Context, e *Employee) error
	DeleteEmployee(ctx context.Context, employeeID string) error
}

// NoOpCache implements the Cache interface but does nothing
type NoOpCache struct{}

// GetEmployee returns a not found error
func (c *NoOpCache) GetEmployee(ctx context.Context, employeeID string) (*Employee, error) {
	return nil, ErrNotFound
}

// SetEmployee does nothing
func (c *NoOpCache) SetEmployee(ctx context.Context, e *Employee) error {
	return nil
}

// DeleteEmployee does nothing
func (c *NoOpCache) DeleteEmployee(ctx context.Context, employeeID string) error {
	return nil
}
