package merkle

import (
	"context"
	"fmt"
	"slices"
)

// Append stores entries as a chain below parent (nil starts a new root) and
// returns the last node. Entries already present are reused.
func Append(ctx context.Context, s Storer, parent *Node, entries ...Entry) (*Node, error) {
	head := parent
	for _, e := range entries {
		n := NewNode(e, head)
		if _, err := s.Put(ctx, n); err != nil {
			return nil, fmt.Errorf("store %s node: %w", e.Role, err)
		}
		head = n
	}
	return head, nil
}

// Conversation returns the entries from the root down to hash.
func Conversation(ctx context.Context, s Storer, hash string) ([]*Node, error) {
	path, err := s.Ancestry(ctx, hash)
	if err != nil {
		return nil, err
	}
	slices.Reverse(path)
	return path, nil
}
