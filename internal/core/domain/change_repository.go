package domain

import "context"

type PendingChangeRepository interface {
	// Create persists a new change. A failure must come back as a StorageError
	// so the mutation is never dropped silently.
	Create(ctx context.Context, change *PendingChange) error

	// Update overwrites the mutable fields (status, retry count, error message).
	Update(ctx context.Context, change *PendingChange) error

	// Claim persists a change moving into processing, but only while the stored
	// status still equals from. It reports false when another sweep got there first.
	Claim(ctx context.Context, change *PendingChange, from ChangeStatus) (bool, error)

	// GetByID retrieves a single change.
	GetByID(ctx context.Context, id string) (*PendingChange, error)

	// List returns every change ordered by ascending timestamp.
	List(ctx context.Context) ([]*PendingChange, error)

	// ListByStatus returns the changes in the given status, ascending timestamp.
	ListByStatus(ctx context.Context, status ChangeStatus) ([]*PendingChange, error)

	CountByStatus(ctx context.Context, status ChangeStatus) (int, error)

	// DeleteByStatus removes every change in the given status and reports how many went.
	DeleteByStatus(ctx context.Context, status ChangeStatus) (int, error)
}

// MutationApplier sends one change to the upstream API. Any returned error
// is treated as a network failure for that change.
type MutationApplier interface {
	Apply(ctx context.Context, change *PendingChange) error
}

// SyncLocker is a lease shared by every process that syncs the same queue.
type SyncLocker interface {
	// TryLock returns false without error when another owner holds the lease.
	TryLock(ctx context.Context) (bool, error)

	// Extend pushes the expiry back by a full TTL. It returns false when the
	// lease expired and is now held by someone else.
	Extend(ctx context.Context) (bool, error)

	Unlock(ctx context.Context) error
}
