// iface.go defines the StoreInterface for dependency injection and testing.
//
// The concrete *Store type satisfies this interface. The session manager and
// the mutation recorder accept narrower interfaces, so tests can swap in
// in-memory implementations.
package store

import "github.com/daviddao/tagged/pkg/model"

// StoreInterface defines the full set of store operations.
type StoreInterface interface {
	// Close closes the database connection.
	Close() error

	// --- Storage ---

	// GetItem returns the value under key in scope and whether it exists.
	GetItem(scope model.Scope, key string) (string, bool, error)

	// SetItem stores value under key in scope, overwriting unconditionally.
	SetItem(scope model.Scope, key, value string) error

	// RemoveItem deletes key from scope.
	RemoveItem(scope model.Scope, key string) error

	// Clear deletes every key in scope.
	Clear(scope model.Scope) error

	// Items returns all key/value pairs in scope.
	Items(scope model.Scope) (map[string]string, error)

	// --- Mutations ---

	// InsertMutation appends a mutation outcome. Returns the row ID.
	InsertMutation(r *model.MutationRecord) (int64, error)

	// ListMutations returns recent mutations for actor, newest first.
	ListMutations(actor string, limit int) ([]model.MutationRecord, error)

	// CountMutations returns the number of logged mutations.
	CountMutations() int64
}

// Compile-time check that *Store implements StoreInterface.
var _ StoreInterface = (*Store)(nil)
