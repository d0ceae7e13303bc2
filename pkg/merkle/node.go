// Package merkle stores chat transcripts as a content-addressed Merkle DAG.
//
// Every message is a node whose hash covers its entry and its parent's hash,
// so a conversation prefix that was seen before resolves to the same nodes and
// a regenerated answer becomes a sibling branch of the original one.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Entry is the hashed content of a node.
type Entry struct {
	// Type is always "message" today; it keeps room for other node kinds.
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`

	// Verdict records the rail that blocked an exchange, if any.
	Verdict string `json:"verdict,omitempty"`
}

// MessageEntry builds a message entry.
func MessageEntry(role, content, model string) Entry {
	return Entry{Type: "message", Role: role, Content: content, Model: model}
}

// Node is a single content-addressed node.
type Node struct {
	// Hash is the SHA-256 of the canonical JSON of (parent hash, entry), hex-encoded.
	Hash string `json:"hash"`

	// ParentHash is nil for root nodes.
	ParentHash *string `json:"parent_hash"`

	Entry Entry `json:"entry"`
}

type hashInput struct {
	Parent string `json:"parent,omitempty"`
	Entry  Entry  `json:"entry"`
}

// NewNode creates a node linked to parent (nil for a root) and computes its hash.
func NewNode(entry Entry, parent *Node) *Node {
	n := &Node{Entry: entry}
	if parent != nil {
		h := parent.Hash
		n.ParentHash = &h
	}
	n.Hash = n.computeHash()
	return n
}

// Verify reports whether the stored hash matches the node's content.
func (n *Node) Verify() bool {
	return n.Hash == n.computeHash()
}

func (n *Node) computeHash() string {
	in := hashInput{Entry: n.Entry}
	if n.ParentHash != nil {
		in.Parent = *n.ParentHash
	}

	// struct field order makes the encoding canonical
	data, err := json.Marshal(in)
	if err != nil {
		panic("failed to marshal hash input: " + err.Error())
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
