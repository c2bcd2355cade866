package repository

import "errors"

// ErrNotFound indicates an entity was not located for the caller's tenant.
var ErrNotFound = errors.New("repository: not found")

// ErrFinalized indicates an update targeted a deployment already in a
// terminal state. Terminal records are immutable.
var ErrFinalized = errors.New("repository: deployment already finalized")
