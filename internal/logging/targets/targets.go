// Package targets keeps the enable state of named transmission targets
// arranged in a tree. A target is effectively enabled only when it and all
// of its ancestors are enabled.
package targets

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

var (
	ErrUnknownTarget    = errors.New("targets: unknown target")
	ErrDuplicateTarget  = errors.New("targets: target already exists")
	ErrAncestorDisabled = errors.New("targets: an ancestor target is disabled")
)

// ChangeFunc is called for each group bound to a target whose effective
// state changed.
type ChangeFunc func(group string, enabled bool)

type node struct {
	name     string
	parent   *node
	children []*node
	enabled  bool
	groups   []string
}

type Tree struct {
	mu       sync.Mutex
	nodes    map[string]*node
	onChange ChangeFunc
	logger   *slog.Logger
}

func NewTree(onChange ChangeFunc, logger *slog.Logger) *Tree {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tree{
		nodes:    make(map[string]*node),
		onChange: onChange,
		logger:   logger,
	}
}

// Add creates an enabled target. An empty parent makes it a root.
func (t *Tree) Add(name, parent string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if name == "" {
		return fmt.Errorf("%w: empty name", ErrUnknownTarget)
	}
	if _, ok := t.nodes[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTarget, name)
	}
	n := &node{name: name, enabled: true}
	if parent != "" {
		p, ok := t.nodes[parent]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTarget, parent)
		}
		n.parent = p
		p.children = append(p.children, n)
	}
	t.nodes[name] = n
	return nil
}

// Bind attaches a channel group to a target.
func (t *Tree) Bind(target, group string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[target]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	n.groups = append(n.groups, group)
	return nil
}

// SetEnabled sets the state of a target and all of its descendants.
// Enabling is refused while an ancestor is disabled.
func (t *Tree) SetEnabled(name string, enabled bool) error {
	t.mu.Lock()
	n, ok := t.nodes[name]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTarget, name)
	}
	if enabled && !ancestorsEnabled(n) {
		t.mu.Unlock()
		t.logger.Error("cannot enable target, an ancestor is disabled", "target", name)
		return fmt.Errorf("%w: %s", ErrAncestorDisabled, name)
	}

	type change struct {
		group   string
		enabled bool
	}
	// Effective states of the whole subtree are captured before any flag
	// changes; a descendant's state depends on its ancestors' flags.
	subtree := []*node{n}
	for i := 0; i < len(subtree); i++ {
		subtree = append(subtree, subtree[i].children...)
	}
	before := make([]bool, len(subtree))
	for i, cur := range subtree {
		before[i] = effective(cur)
	}
	for _, cur := range subtree {
		cur.enabled = enabled
	}
	var changes []change
	for i, cur := range subtree {
		if after := effective(cur); after != before[i] {
			for _, g := range cur.groups {
				changes = append(changes, change{group: g, enabled: after})
			}
		}
	}
	onChange := t.onChange
	t.mu.Unlock()

	t.logger.Info("changed target state", "target", name, "enabled", enabled)
	if onChange == nil {
		return nil
	}
	for _, c := range changes {
		onChange(c.group, c.enabled)
	}
	return nil
}

func (t *Tree) IsEffectivelyEnabled(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[name]
	return ok && effective(n)
}

// Groups returns the groups bound to name and its descendants, sorted.
func (t *Tree) Groups(name string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[name]
	if !ok {
		return nil
	}
	var groups []string
	queue := []*node{n}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		groups = append(groups, cur.groups...)
		queue = append(queue, cur.children...)
	}
	sort.Strings(groups)
	return groups
}

func ancestorsEnabled(n *node) bool {
	for p := n.parent; p != nil; p = p.parent {
		if !p.enabled {
			return false
		}
	}
	return true
}

func effective(n *node) bool {
	return n.enabled && ancestorsEnabled(n)
}
