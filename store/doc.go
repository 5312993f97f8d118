// Package store defines the ordered tree data model and the TreeStore contract.
//
// The forest is an arena of [Item] values keyed by id. Parent links are plain
// ids, never pointers, so acyclicity is a checked invariant rather than a
// property of the data type. Each item holds a dense, zero-based position
// among the items sharing its parent (its scope).
//
// # Backends
//
//   - [github.com/jacentio/treeorder/store/memory] - in-process arena
//   - [github.com/jacentio/treeorder/store/sqlstore] - gorm over SQLite or MySQL
//   - [github.com/jacentio/treeorder/store/dynamo] - DynamoDB with transactional commits
//
// Backends only guarantee that a [Tx] commits atomically. Coordination between
// concurrent mutations of the same scope is the caller's job (see package
// scopelock); the engine package is the only intended writer.
//
// # Errors
//
// The package defines the error taxonomy shared by every layer:
//
//   - [ErrNotFound] - referenced item doesn't exist
//   - [ErrInvalidTarget] - target is not a folder, or the move would form a cycle
//   - [ErrValidation] - missing or malformed field
//   - [ErrNotEmpty] - folder still has children
//   - [ErrConcurrencyTimeout] - scope lock not acquired in time
//   - [ErrConcurrentModification] - optimistic commit lost a race
//
// [Code] maps any of them to its wire code.
package store
