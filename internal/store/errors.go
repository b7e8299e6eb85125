package store

import (
	"errors"
)

var (
	// ErrNotFound is returned when a row does not exist within the tenant.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned after the optimistic-concurrency retry budget
	// is exhausted. Callers retry by reissuing the command on fresh state.
	ErrConflict = errors.New("write conflict")

	// ErrTenantRequired guards against cross-tenant reads.
	ErrTenantRequired = errors.New("tenant id required")
)
