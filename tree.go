package ldapnav

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/netresearch/ldapnav/dn"
)

// LoadState is the lifecycle of one tree node's child list.
type LoadState int

const (
	LoadUnloaded LoadState = iota
	LoadLoading
	LoadLoaded
	LoadFailed
)

func (s LoadState) String() string {
	switch s {
	case LoadLoading:
		return "loading"
	case LoadLoaded:
		return "loaded"
	case LoadFailed:
		return "failed"
	default:
		return "unloaded"
	}
}

// TreeNode is a point-in-time snapshot of one cached node, safe to hand to
// a presentation layer.
type TreeNode struct {
	DN       dn.DN
	Label    string
	State    LoadState
	Reason   string
	Children []dn.DN
}

type treeNode struct {
	dn       dn.DN
	label    string
	state    LoadState
	reason   string
	err      error
	childDNs []dn.DN

	// inflight is closed when the running expand completes. Concurrent
	// expands of the same node attach to it instead of issuing a second
	// search; a completion whose channel no longer matches the node's is
	// stale and discarded.
	inflight chan struct{}
}

// Tree caches the browsed hierarchy of one session as an arena of nodes
// keyed by canonical DN, holding parent to child edges only. All methods
// are safe for concurrent use; expands of different nodes run in parallel,
// expands of the same node collapse into one search.
type Tree struct {
	session *Session
	logger  *slog.Logger

	mu    sync.Mutex
	root  dn.DN
	nodes map[string]*treeNode
}

// NewTree builds an empty tree rooted at the session's base DN.
func NewTree(session *Session) *Tree {
	t := &Tree{
		session: session,
		logger:  session.logger,
		root:    session.BaseDN(),
		nodes:   make(map[string]*treeNode),
	}
	t.mu.Lock()
	t.ensureLocked(t.root)
	t.mu.Unlock()
	return t
}

// Root returns the tree's root DN.
func (t *Tree) Root() dn.DN {
	return t.root
}

// Node returns a snapshot of the cached node at target.
func (t *Tree) Node(target dn.DN) (TreeNode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	node, ok := t.nodes[target.Canonical()]
	if !ok {
		return TreeNode{}, false
	}
	return t.snapshotLocked(node), true
}

func (t *Tree) snapshotLocked(node *treeNode) TreeNode {
	return TreeNode{
		DN:       node.dn,
		Label:    node.label,
		State:    node.state,
		Reason:   node.reason,
		Children: append([]dn.DN(nil), node.childDNs...),
	}
}

func (t *Tree) ensureLocked(target dn.DN) *treeNode {
	key := target.Canonical()
	if node, ok := t.nodes[key]; ok {
		return node
	}
	node := &treeNode{dn: target, label: target.RDNLabel()}
	t.nodes[key] = node
	return node
}

// Expand loads the one-level children of target, returning them ordered by
// RDN label. A node already Loaded returns its cached children without a
// search. A node in Loading state attaches the caller to the in-flight
// operation's completion; exactly one search is issued no matter how many
// expands race. Failure marks the node Failed with the reason retained.
func (t *Tree) Expand(ctx context.Context, target dn.DN) ([]dn.DN, error) {
	key := target.Canonical()

	t.mu.Lock()
	node := t.ensureLocked(target)
	switch node.state {
	case LoadLoaded:
		children := append([]dn.DN(nil), node.childDNs...)
		t.mu.Unlock()
		return children, nil

	case LoadLoading:
		done := node.inflight
		t.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		current, ok := t.nodes[key]
		if !ok || current.state == LoadUnloaded {
			// Invalidated while loading; nothing to report.
			return nil, nil
		}
		if current.state == LoadFailed {
			return nil, current.err
		}
		return append([]dn.DN(nil), current.childDNs...), nil

	default:
		done := make(chan struct{})
		node.state = LoadLoading
		node.reason = ""
		node.err = nil
		node.inflight = done
		t.mu.Unlock()

		children, err := t.fetchChildren(ctx, target)

		t.mu.Lock()
		defer t.mu.Unlock()
		defer close(done)

		current, ok := t.nodes[key]
		if !ok || current.inflight != done {
			// The node was invalidated or refreshed while the search ran.
			// Applying the completion would resurrect stale state, so it
			// is discarded; the caller still gets its point-in-time
			// answer.
			t.logger.Debug("tree_completion_discarded",
				slog.String("dn", target.String()))
			return children, err
		}
		current.inflight = nil
		if err != nil {
			current.state = LoadFailed
			current.err = err
			current.reason = failureReason(err)
			t.logger.Warn("tree_expand_failed",
				slog.String("dn", target.String()),
				slog.String("error", err.Error()))
			return nil, err
		}
		current.state = LoadLoaded
		current.childDNs = children
		for _, child := range children {
			t.ensureLocked(child)
		}
		t.logger.Debug("tree_expanded",
			slog.String("dn", target.String()),
			slog.Int("children", len(children)))
		return append([]dn.DN(nil), children...), nil
	}
}

func (t *Tree) fetchChildren(ctx context.Context, target dn.DN) ([]dn.DN, error) {
	entries, err := t.session.SearchAll(ctx, SearchRequest{
		BaseDN:     target,
		Scope:      ScopeOneLevel,
		Attributes: []string{"1.1"},
	})
	if err != nil {
		return nil, err
	}
	children := make([]dn.DN, 0, len(entries))
	for _, e := range entries {
		children = append(children, e.DN)
	}
	sortByRDNLabel(children)
	return children, nil
}

func sortByRDNLabel(children []dn.DN) {
	sort.SliceStable(children, func(i, j int) bool {
		a := strings.ToLower(children[i].RDNLabel())
		b := strings.ToLower(children[j].RDNLabel())
		if a == b {
			return children[i].Canonical() < children[j].Canonical()
		}
		return a < b
	})
}

// Refresh discards target's cached children, including every descendant
// node, and re-expands.
func (t *Tree) Refresh(ctx context.Context, target dn.DN) ([]dn.DN, error) {
	t.mu.Lock()
	if node, ok := t.nodes[target.Canonical()]; ok && node.state != LoadLoading {
		t.unloadLocked(node)
	}
	t.mu.Unlock()
	return t.Expand(ctx, target)
}

// unloadLocked resets a node to Unloaded and drops its descendants from the
// arena. In-flight completions for dropped nodes become stale and are
// discarded when they land.
func (t *Tree) unloadLocked(node *treeNode) {
	for key, other := range t.nodes {
		if other.dn.IsDescendantOf(node.dn) {
			delete(t.nodes, key)
		}
	}
	node.state = LoadUnloaded
	node.childDNs = nil
	node.err = nil
	node.reason = ""
	node.inflight = nil
}

// InvalidateSubtree is called after delete or bulk operations affecting
// target or its descendants. It drops target's subtree from the arena and
// resets the nearest loaded ancestor to Unloaded, because that ancestor's
// child list is now stale. Sibling subtrees keep their cached state.
func (t *Tree) InvalidateSubtree(target dn.DN) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, node := range t.nodes {
		if node.dn.Equal(target) || node.dn.IsDescendantOf(target) {
			delete(t.nodes, key)
		}
	}

	for ancestor := target.Parent(); !ancestor.IsZero(); ancestor = ancestor.Parent() {
		node, ok := t.nodes[ancestor.Canonical()]
		if !ok {
			continue
		}
		if node.state == LoadLoaded || node.state == LoadLoading {
			node.state = LoadUnloaded
			node.childDNs = nil
			node.err = nil
			node.reason = ""
			node.inflight = nil
		}
		break
	}

	t.logger.Debug("tree_subtree_invalidated",
		slog.String("dn", target.String()))
}
