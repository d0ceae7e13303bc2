package merkle

import "context"

// Storer persists and traverses transcript nodes. Identical content under an
// identical parent has an identical hash, so Put deduplicates for free.
type Storer interface {
	// Put stores a node and reports whether it was new. Storing an existing
	// hash is a no-op.
	Put(ctx context.Context, node *Node) (bool, error)

	// Get returns ErrNotFound if the node doesn't exist.
	Get(ctx context.Context, hash string) (*Node, error)

	Has(ctx context.Context, hash string) (bool, error)

	// GetByParent returns the children of parentHash, or the roots when it is nil.
	GetByParent(ctx context.Context, parentHash *string) ([]*Node, error)

	// List returns every node in insertion order.
	List(ctx context.Context) ([]*Node, error)

	Roots(ctx context.Context) ([]*Node, error)

	// Leaves returns nodes without children: the heads of stored conversations.
	Leaves(ctx context.Context) ([]*Node, error)

	// Ancestry returns the path from a node back to its root (node first, root last).
	Ancestry(ctx context.Context, hash string) ([]*Node, error)

	// Depth returns 0 for roots.
	Depth(ctx context.Context, hash string) (int, error)

	Close() error
}

// ErrNotFound is returned when a node doesn't exist in the store.
type ErrNotFound struct {
	Hash string
}

func (e ErrNotFound) Error() string {
	if e.Hash == "" {
		return "node not found"
	}

	return "node not found: " + e.Hash
}
