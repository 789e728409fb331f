// Package scene holds the mutable simulation state as an arena of nodes
// addressed by Handle.
//
// Samplers write attributes and member lists, feature functions read them.
// Nodes never point at each other directly: a member list is a slice of
// handles, so Clone is a bounded copy of the arena and a clone can be handed
// to another worker without sharing anything.
//
// Every write bumps a per-node version. Derived data (transfer functions,
// steering vectors) is cached against those versions instead of being
// recomputed on every read.
package scene

import (
	"fmt"
	"slices"
	"sort"
)

// Handle addresses a node inside one Graph. Handles stay valid across Clone.
type Handle int32

// Invalid is the zero-value-safe "no node" handle.
const Invalid Handle = -1

type node struct {
	name    string
	kind    string
	attrs   map[string][]float64
	members []Handle
	version uint64
}

// Graph is the arena. It is not safe for concurrent use; each worker owns
// its own clone.
type Graph struct {
	nodes  []node
	byName map[string]Handle
	clock  uint64
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{byName: make(map[string]Handle)}
}

// Add appends a node and declares its attributes. Only declared attributes
// can be written later. Names must be unique.
func (g *Graph) Add(name, kind string, attrs map[string][]float64) (Handle, error) {
	if name == "" {
		return Invalid, fmt.Errorf("scene: node name is required")
	}
	if _, dup := g.byName[name]; dup {
		return Invalid, fmt.Errorf("scene: duplicate node %q", name)
	}
	own := make(map[string][]float64, len(attrs))
	for k, v := range attrs {
		own[k] = slices.Clone(v)
	}
	h := Handle(len(g.nodes))
	g.clock++
	g.nodes = append(g.nodes, node{name: name, kind: kind, attrs: own, version: g.clock})
	g.byName[name] = h
	return h, nil
}

// MustAdd is Add for graph construction code with static names.
func (g *Graph) MustAdd(name, kind string, attrs map[string][]float64) Handle {
	h, err := g.Add(name, kind, attrs)
	if err != nil {
		panic(err)
	}
	return h
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Valid reports whether h addresses a node of g.
func (g *Graph) Valid(h Handle) bool {
	return h >= 0 && int(h) < len(g.nodes)
}

// Lookup finds a node by name.
func (g *Graph) Lookup(name string) (Handle, bool) {
	h, ok := g.byName[name]
	return h, ok
}

// Name returns the node's name.
func (g *Graph) Name(h Handle) string {
	if !g.Valid(h) {
		return fmt.Sprintf("<invalid %d>", h)
	}
	return g.nodes[h].name
}

// Kind returns the node's kind label.
func (g *Graph) Kind(h Handle) string {
	if !g.Valid(h) {
		return ""
	}
	return g.nodes[h].kind
}

// HasAttr reports whether the node declared attribute attr.
func (g *Graph) HasAttr(h Handle, attr string) bool {
	if !g.Valid(h) {
		return false
	}
	_, ok := g.nodes[h].attrs[attr]
	return ok
}

// AttrNames lists the declared attributes of a node in sorted order.
func (g *Graph) AttrNames(h Handle) []string {
	if !g.Valid(h) {
		return nil
	}
	names := make([]string, 0, len(g.nodes[h].attrs))
	for k := range g.nodes[h].attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Attr returns the current value of an attribute. The slice is owned by the
// graph; callers must not modify it.
func (g *Graph) Attr(h Handle, attr string) ([]float64, bool) {
	if !g.Valid(h) {
		return nil, false
	}
	v, ok := g.nodes[h].attrs[attr]
	return v, ok
}

// Scalar returns the first component of an attribute.
func (g *Graph) Scalar(h Handle, attr string) (float64, bool) {
	v, ok := g.Attr(h, attr)
	if !ok || len(v) == 0 {
		return 0, false
	}
	return v[0], true
}

// SetAttr replaces a declared attribute. The length may not change.
func (g *Graph) SetAttr(h Handle, attr string, v []float64) error {
	if !g.Valid(h) {
		return fmt.Errorf("scene: invalid handle %d", h)
	}
	n := &g.nodes[h]
	cur, ok := n.attrs[attr]
	if !ok {
		return fmt.Errorf("scene: node %q has no attribute %q", n.name, attr)
	}
	if len(cur) != len(v) {
		return fmt.Errorf("scene: node %q attribute %q has length %d, got %d", n.name, attr, len(cur), len(v))
	}
	copy(cur, v)
	g.touch(h)
	return nil
}

// SetScalar writes a one-component attribute.
func (g *Graph) SetScalar(h Handle, attr string, v float64) error {
	return g.SetAttr(h, attr, []float64{v})
}

// Members returns the member handles of a collection node. The slice is
// owned by the graph.
func (g *Graph) Members(h Handle) []Handle {
	if !g.Valid(h) {
		return nil
	}
	return g.nodes[h].members
}

// SetMembers replaces the member list of a node. Every member must be valid.
func (g *Graph) SetMembers(h Handle, members []Handle) error {
	if !g.Valid(h) {
		return fmt.Errorf("scene: invalid handle %d", h)
	}
	for _, m := range members {
		if !g.Valid(m) {
			return fmt.Errorf("scene: node %q: invalid member handle %d", g.nodes[h].name, m)
		}
	}
	g.nodes[h].members = slices.Clone(members)
	g.touch(h)
	return nil
}

// Version returns a counter that changes whenever the node is written.
func (g *Graph) Version(h Handle) uint64 {
	if !g.Valid(h) {
		return 0
	}
	return g.nodes[h].version
}

func (g *Graph) touch(h Handle) {
	g.clock++
	g.nodes[h].version = g.clock
}

// Clone copies the whole arena. Handles taken on g address the same nodes
// in the clone.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		nodes:  make([]node, len(g.nodes)),
		byName: make(map[string]Handle, len(g.byName)),
		clock:  g.clock,
	}
	for i, n := range g.nodes {
		attrs := make(map[string][]float64, len(n.attrs))
		for k, v := range n.attrs {
			attrs[k] = slices.Clone(v)
		}
		c.nodes[i] = node{
			name:    n.name,
			kind:    n.kind,
			attrs:   attrs,
			members: slices.Clone(n.members),
			version: n.version,
		}
	}
	for k, v := range g.byName {
		c.byName[k] = v
	}
	return c
}
