package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Node operations
	SaveNode(node *Node) error
	GetNode(id byte) (*Node, error)
	DeleteNode(id byte) error
	ListNodes() ([]*Node, error)

	// UpdateNode atomically reads, modifies, and saves a node in a single
	// transaction. Returns ErrNotFound if the node does not exist.
	UpdateNode(id byte, fn func(node *Node) error) error

	// Network identity
	SaveNetworkInfo(info *NetworkInfo) error
	GetNetworkInfo() (*NetworkInfo, error)

	// Close the store
	Close() error
}
