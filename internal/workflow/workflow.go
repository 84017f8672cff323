// Package workflow models ComfyUI API-format workflows and loads them from a
// catalog directory.
package workflow

import (
	"fmt"
	"sort"
	"strconv"
)

// Workflow maps a node id to its definition ({"class_type": ..., "inputs": {...}}).
type Workflow map[string]any

// Node is a single workflow node definition.
type Node map[string]any

// ClassType returns the node's class_type, or "" when absent.
func (n Node) ClassType() string {
	ct, _ := n["class_type"].(string)
	return ct
}

// Inputs returns the node's inputs mapping, or nil when absent.
func (n Node) Inputs() map[string]any {
	in, _ := n["inputs"].(map[string]any)
	return in
}

// Node returns the node stored under id.
func (w Workflow) Node(id string) (Node, bool) {
	m, ok := w[id].(map[string]any)
	return Node(m), ok
}

// NodeIDs returns node ids in SortNodeIDs order.
func (w Workflow) NodeIDs() []string {
	ids := make([]string, 0, len(w))
	for id := range w {
		ids = append(ids, id)
	}
	SortNodeIDs(ids)
	return ids
}

// SortNodeIDs orders ids in place: numeric ids ascending, followed by the
// remaining ids in lexical order.
func SortNodeIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, aErr := strconv.Atoi(ids[i])
		b, bErr := strconv.Atoi(ids[j])
		switch {
		case aErr == nil && bErr == nil:
			if a != b {
				return a < b
			}
			return ids[i] < ids[j]
		case aErr == nil:
			return true
		case bErr == nil:
			return false
		default:
			return ids[i] < ids[j]
		}
	})
}

// Validate checks that every node is an object carrying a class_type.
func (w Workflow) Validate() error {
	if len(w) == 0 {
		return fmt.Errorf("workflow has no nodes")
	}
	for _, id := range w.NodeIDs() {
		node, ok := w.Node(id)
		if !ok {
			return fmt.Errorf("node %s is not an object", id)
		}
		if node.ClassType() == "" {
			return fmt.Errorf("node %s is missing class_type", id)
		}
	}
	return nil
}

// WithNodeInput returns a copy of w where node id has inputs[key] = value.
// Only the touched node and its inputs are copied; w is left unchanged.
func (w Workflow) WithNodeInput(id, key string, value any) Workflow {
	out := make(Workflow, len(w))
	for k, v := range w {
		out[k] = v
	}

	src, _ := w.Node(id)
	node := make(map[string]any, len(src)+1)
	for k, v := range src {
		node[k] = v
	}
	inputs := make(map[string]any, len(src.Inputs())+1)
	for k, v := range src.Inputs() {
		inputs[k] = v
	}
	inputs[key] = value
	node["inputs"] = inputs
	out[id] = node

	return out
}
