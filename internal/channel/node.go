package channel

import (
	"sync"

	"github.com/pscheid92/chanrelay/internal/domain"
)

// Node is one channel in the tree.
type Node struct {
	path string

	mu       sync.Mutex
	conns    map[domain.Conn]struct{}
	children map[string]*Node
}

func newNode(path string) *Node {
	return &Node{
		path:     path,
		conns:    make(map[domain.Conn]struct{}),
		children: make(map[string]*Node),
	}
}

// Path returns the full path from the root, "" for the root itself.
func (n *Node) Path() string {
	return n.path
}

// Add registers conn on this node. Returns false if it was already present.
func (n *Node) Add(conn domain.Conn) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.conns[conn]; exists {
		return false
	}
	n.conns[conn] = struct{}{}
	return true
}

// Remove evicts conn from this node. Returns false if it was not present.
func (n *Node) Remove(conn domain.Conn) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.conns[conn]; !exists {
		return false
	}
	delete(n.conns, conn)
	return true
}

// Has reports whether conn is registered on this node.
func (n *Node) Has(conn domain.Conn) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, exists := n.conns[conn]
	return exists
}

// Len returns the number of connections registered on this node.
func (n *Node) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// Connections returns a snapshot of the connections registered on this node.
func (n *Node) Connections() []domain.Conn {
	n.mu.Lock()
	defer n.mu.Unlock()

	conns := make([]domain.Conn, 0, len(n.conns))
	for c := range n.conns {
		conns = append(conns, c)
	}
	return conns
}

// Children returns a snapshot of this node's direct children.
func (n *Node) Children() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()

	children := make([]*Node, 0, len(n.children))
	for _, child := range n.children {
		children = append(children, child)
	}
	return children
}

func (n *Node) child(segment string) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()

	c, ok := n.children[segment]
	if !ok {
		c = newNode(join(n.path, segment))
		n.children[segment] = c
	}
	return c
}

func (n *Node) lookup(segment string) (*Node, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.children[segment]
	return c, ok
}

// prune removes empty leaves below n, bottom-up. Caller holds the registry write lock.
func (n *Node) prune() int {
	removed := 0
	for _, c := range n.Children() {
		removed += c.prune()
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for segment, c := range n.children {
		if c.isEmptyLeaf() {
			delete(n.children, segment)
			removed++
		}
	}
	return removed
}

func (n *Node) isEmptyLeaf() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns) == 0 && len(n.children) == 0
}
