package service

import "fmt"

// ProviderError marks a per-watch failure to obtain a fare. The watch is
// left in its prior state.
type ProviderError struct {
	WatchID string
	Err     error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("watch %s: fare lookup: %v", e.WatchID, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// PersistenceError marks a per-watch storage failure during Op.
type PersistenceError struct {
	WatchID string
	Op      string
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("watch %s: %s: %v", e.WatchID, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ValidationError rejects malformed watch input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
