package auth

import (
	"context"
	"errors"
)

var (
	// ErrTenantMismatch indicates resource belongs to a different tenant.
	ErrTenantMismatch = errors.New("tenant mismatch")
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("resource not found")
)

// TenantResolver reports the owning tenant of a resource id.
type TenantResolver interface {
	TenantOf(ctx context.Context, resourceID string) (string, error)
}

// TenantChecker validates resource tenant ownership through a resolver.
type TenantChecker struct {
	resolver TenantResolver
}

// NewTenantChecker constructs a TenantChecker.
func NewTenantChecker(resolver TenantResolver) *TenantChecker {
	if resolver == nil {
		return nil
	}
	return &TenantChecker{resolver: resolver}
}

// EnsureTenant verifies the resource belongs to the tenant.
func (c *TenantChecker) EnsureTenant(ctx context.Context, tenantID, resourceID string) error {
	if c == nil || c.resolver == nil {
		return nil
	}
	if tenantID == "" || resourceID == "" {
		return nil
	}
	owner, err := c.resolver.TenantOf(ctx, resourceID)
	if err != nil {
		return err
	}
	if owner == "" {
		return ErrNotFound
	}
	if owner != tenantID {
		return ErrTenantMismatch
	}
	return nil
}
