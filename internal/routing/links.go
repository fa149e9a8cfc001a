// Package routing renders the gateway's server tree for MAP and LINKS.
package routing

import (
	"fmt"
	"sort"
)

// LinkEntry is one server of the tree
type LinkEntry struct {
	Server      string // Server name
	Hub         string // Upstream server
	Hops        int    // Distance from the root
	Users       int    // Nicks attached to the server
	Description string
}

// LinkTree holds the servers known to a session: the local gateway server
// at hop 0 and one remote server per connected IM account.
type LinkTree struct {
	entries map[string]*LinkEntry
	order   []string
}

// NewLinkTree creates an empty tree
func NewLinkTree() *LinkTree {
	return &LinkTree{entries: make(map[string]*LinkEntry)}
}

// Add adds a server, or updates it in place. The root is the entry with
// hops == 0.
func (t *LinkTree) Add(server, hub string, hops, users int, description string) {
	if _, ok := t.entries[server]; !ok {
		t.order = append(t.order, server)
	}
	t.entries[server] = &LinkEntry{
		Server:      server,
		Hub:         hub,
		Hops:        hops,
		Users:       users,
		Description: description,
	}
}

// Entries returns the servers in insertion order, as listed by LINKS.
func (t *LinkTree) Entries() []LinkEntry {
	result := make([]LinkEntry, 0, len(t.order))
	for _, server := range t.order {
		result = append(result, *t.entries[server])
	}
	return result
}

// Build renders the MAP lines, children sorted by name under their hub.
func (t *LinkTree) Build() []string {
	if len(t.entries) == 0 {
		return []string{}
	}

	root := ""
	for _, server := range t.order {
		if t.entries[server].Hops == 0 {
			root = server
			break
		}
	}
	if root == "" {
		return []string{"Error: no root server found"}
	}

	children := make(map[string][]string)
	for _, e := range t.entries {
		if e.Server != e.Hub {
			children[e.Hub] = append(children[e.Hub], e.Server)
		}
	}
	for hub := range children {
		sort.Strings(children[hub])
	}

	r := &mapRenderer{tree: t, children: children, seen: make(map[string]bool)}
	root0 := t.entries[root]
	r.lines = append(r.lines, fmt.Sprintf("%s [%d] %s", root0.Server, root0.Users, root0.Description))
	r.seen[root] = true
	r.walk(root, "")
	return r.lines
}

type mapRenderer struct {
	tree     *LinkTree
	children map[string][]string
	seen     map[string]bool
	lines    []string
}

// walk emits the subtree under hub. indent carries one column per
// ancestor: a bar while that ancestor has siblings left to draw.
func (r *mapRenderer) walk(hub, indent string) {
	kids := r.children[hub]
	for i, name := range kids {
		if r.seen[name] {
			continue
		}
		r.seen[name] = true

		last := i == len(kids)-1
		branch, next := "|- ", "   |"
		if last {
			branch, next = "`- ", "    "
		}
		e := r.tree.entries[name]
		r.lines = append(r.lines, fmt.Sprintf("%s%s%s [%d] %s", indent, branch, e.Server, e.Users, e.Description))
		r.walk(name, indent+next)
	}
}
