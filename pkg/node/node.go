// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"errors"
	"strings"

	"github.com/google/btree"
	"github.com/hwkang0621/smcp/pkg/engine"
)

// ErrDuplicateName is returned when a child with the same name exists.
var ErrDuplicateName = errors.New("node with this name already exists")

// ErrInvalidName is returned for names that cannot be a path segment.
var ErrInvalidName = errors.New("invalid node name")

func lessName(a, b engine.Node) bool {
	return a.Name() < b.Name()
}

// Node is a directory of named children. GET lists the children unless a
// handler is installed.
type Node struct {
	name        string
	description string
	handler     engine.RequestHandler
	children    *btree.BTreeG[engine.Node]
}

var (
	_ engine.Node      = (*Node)(nil)
	_ engine.Lister    = (*Node)(nil)
	_ engine.Describer = (*Node)(nil)
)

// New returns an empty node. The root of a tree is conventionally named "".
func New(name string) *Node {
	return &Node{
		name:     name,
		children: btree.NewG(4, lessName),
	}
}

// Name implements engine.Node.
func (n *Node) Name() string {
	return n.name
}

// Find implements engine.Node.
func (n *Node) Find(segment string) engine.Node {
	c, ok := n.children.Get(key(segment))
	if !ok {
		return nil
	}
	return c
}

// Handler implements engine.Node.
func (n *Node) Handler() engine.RequestHandler {
	return n.handler
}

// Children returns the children ordered by name.
func (n *Node) Children() []engine.Node {
	out := make([]engine.Node, 0, n.children.Len())
	n.children.Ascend(func(c engine.Node) bool {
		out = append(out, c)
		return true
	})
	return out
}

// Description implements engine.Describer.
func (n *Node) Description() string {
	return n.description
}

// SetDescription sets the link-format text served before the child links.
func (n *Node) SetDescription(s string) *Node {
	n.description = s
	return n
}

// SetHandler overrides the default listing handler.
func (n *Node) SetHandler(h engine.RequestHandler) *Node {
	n.handler = h
	return n
}

// Add attaches child under n.
func (n *Node) Add(child engine.Node) error {
	name := child.Name()
	if name == "" || strings.Contains(name, "/") {
		return ErrInvalidName
	}
	if n.children.Has(child) {
		return ErrDuplicateName
	}
	n.children.ReplaceOrInsert(child)
	return nil
}

// Remove detaches the child called name.
func (n *Node) Remove(name string) bool {
	_, ok := n.children.Delete(key(name))
	return ok
}

// Len returns the number of children.
func (n *Node) Len() int {
	return n.children.Len()
}

// Lookup resolves a slash separated path below n.
func (n *Node) Lookup(path string) engine.Node {
	var cur engine.Node = n
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if seg == "" {
			continue
		}
		cur = cur.Find(seg)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// key is a probe for name lookups in the children tree.
type key string

func (k key) Name() string                   { return string(k) }
func (k key) Find(string) engine.Node        { return nil }
func (k key) Handler() engine.RequestHandler { return nil }
