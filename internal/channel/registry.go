package channel

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/chanrelay/internal/domain"
)

// Registry owns the channel tree for one process.
type Registry struct {
	// Shared by resolution and registration, exclusive for pruning, so a
	// node cannot be detached between being resolved and receiving a connection.
	mu    sync.RWMutex
	root  *Node
	clock clockwork.Clock
}

// Stats summarizes the tree.
type Stats struct {
	Nodes       int `json:"nodes"`
	Connections int `json:"connections"`
}

func NewRegistry(clock clockwork.Clock) *Registry {
	return &Registry{
		root:  newNode(""),
		clock: clock,
	}
}

// Root returns the root node. Its identity is fixed for the registry's lifetime.
func (r *Registry) Root() *Node {
	return r.root
}

// Resolve returns the node for path, creating any missing nodes on the way.
// Repeated calls with the same path return the same node unless it was
// pruned in between.
func (r *Registry) Resolve(path string) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(path)
}

func (r *Registry) resolveLocked(path string) *Node {
	node := r.root
	for _, segment := range Split(path) {
		node = node.child(segment)
	}
	return node
}

// Lookup returns the node for path without creating anything.
func (r *Registry) Lookup(path string) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node := r.root
	for _, segment := range Split(path) {
		next, ok := node.lookup(segment)
		if !ok {
			return nil, false
		}
		node = next
	}
	return node, true
}

// ChildrenOf returns a snapshot of node's direct children.
func (r *Registry) ChildrenOf(node *Node) []*Node {
	return node.Children()
}

// Register resolves path and adds conn to the resulting node.
func (r *Registry) Register(path string, conn domain.Conn) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node := r.resolveLocked(path)
	node.Add(conn)
	return node
}

// Unregister removes conn from node. Returns false if it had already been evicted.
func (r *Registry) Unregister(node *Node, conn domain.Conn) bool {
	return node.Remove(conn)
}

// Walk calls fn for every strict descendant of node, depth-first. Each
// level is read from a snapshot, so fn may mutate the tree.
func (r *Registry) Walk(node *Node, fn func(*Node)) {
	for _, child := range node.Children() {
		fn(child)
		r.Walk(child, fn)
	}
}

// Prune removes every node that has neither connections nor children,
// repeating bottom-up so emptied branches disappear in one pass. The root is
// never removed. Returns the number of nodes removed.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root.prune()
}

// Stats counts nodes (root included) and registered connections.
func (r *Registry) Stats() Stats {
	stats := Stats{Nodes: 1, Connections: r.root.Len()}
	r.Walk(r.root, func(n *Node) {
		stats.Nodes++
		stats.Connections += n.Len()
	})
	return stats
}

// StartSweeper prunes the tree every interval until the returned stop
// function is called.
func (r *Registry) StartSweeper(interval time.Duration) func() {
	ticker := r.clock.NewTicker(interval)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				if removed := r.Prune(); removed > 0 {
					slog.Debug("Pruned empty channels", "count", removed)
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		once.Do(func() { close(done) })
	}
}
