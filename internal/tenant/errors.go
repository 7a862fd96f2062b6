package tenant

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned when the master pool is requested before
	// Initialize, after Close, or once the pool reports disconnected.
	ErrNotInitialized = errors.New("tenant router not initialized")

	// ErrTenantNotFound covers unknown and inactive tenants alike.
	ErrTenantNotFound = errors.New("tenant not found")
)

// ConnectionError reports a failure to open the master or a tenant pool.
type ConnectionError struct {
	Target string // "master" or server/database
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CleanupError reports a pool that failed to close.  The router logs these
// and carries on with the remaining tenants.
type CleanupError struct {
	TenantID string
	Op       string
	Err      error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("%s tenant %s: %v", e.Op, e.TenantID, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }
