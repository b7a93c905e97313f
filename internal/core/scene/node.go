// Package scene is the entity tree replicated objects live in. Nodes carry a
// local pose, an activation flag and attached components; paths between nodes
// address objects across processes.
package scene

import (
	"github.com/zeusync/distsync/internal/core/systems/physics"
)

// ActivationListener is notified when the node it is attached to changes its
// effective activation, either directly or through an ancestor.
type ActivationListener interface {
	OnActivationChanged(active bool)
}

// DestroyListener is notified before its node is detached by Destroy.
type DestroyListener interface {
	OnNodeDestroyed()
}

type Node struct {
	name       string
	parent     *Node
	children   []*Node
	activeSelf bool
	destroyed  bool
	components []any

	LocalPosition physics.Vector3
	LocalRotation physics.Quaternion
	LocalScale    physics.Vector3
}

// NewNode creates an active, detached node with an identity pose.
func NewNode(name string) *Node {
	return &Node{
		name:          name,
		activeSelf:    true,
		LocalRotation: physics.Identity,
		LocalScale:    physics.One,
	}
}

func (n *Node) Name() string { return n.name }

func (n *Node) SetName(name string) { n.name = name }

func (n *Node) Parent() *Node { return n.parent }

func (n *Node) Children() []*Node { return n.children }

func (n *Node) IsDestroyed() bool { return n.destroyed }

// Child returns the direct child called name.
func (n *Node) Child(name string) *Node {
	for _, child := range n.children {
		if child.name == name {
			return child
		}
	}
	return nil
}

// AddChild reparents child under n and notifies activation changes it causes.
func (n *Node) AddChild(child *Node) {
	wasActive := child.ActiveInHierarchy()
	if child.parent != nil {
		child.parent.detach(child)
	}
	child.parent = n
	n.children = append(n.children, child)
	if active := child.ActiveInHierarchy(); active != wasActive {
		child.notifyActivation(active)
	}
}

func (n *Node) ActiveSelf() bool { return n.activeSelf }

// ActiveInHierarchy is true when n and all its ancestors are active.
func (n *Node) ActiveInHierarchy() bool {
	for node := n; node != nil; node = node.parent {
		if !node.activeSelf {
			return false
		}
	}
	return true
}

// SetActive changes the local flag and notifies every listener in the subtree
// whose effective activation changed.
func (n *Node) SetActive(active bool) {
	if n.activeSelf == active {
		return
	}
	wasActive := n.ActiveInHierarchy()
	n.activeSelf = active
	if now := n.ActiveInHierarchy(); now != wasActive {
		n.notifyActivation(now)
	}
}

func (n *Node) notifyActivation(active bool) {
	for _, component := range n.components {
		if listener, ok := component.(ActivationListener); ok {
			listener.OnActivationChanged(active)
		}
	}
	for _, child := range n.children {
		if child.activeSelf {
			child.notifyActivation(active)
		}
	}
}

// AddComponent attaches component to n.
func (n *Node) AddComponent(component any) {
	n.components = append(n.components, component)
}

// RemoveComponent detaches component, reporting whether it was attached.
func (n *Node) RemoveComponent(component any) bool {
	for i, c := range n.components {
		if c == component {
			n.components = append(n.components[:i], n.components[i+1:]...)
			return true
		}
	}
	return false
}

// Components returns the attached components in attachment order.
func (n *Node) Components() []any {
	return n.components
}

// WorldPosition composes local positions and rotations of all ancestors.
func (n *Node) WorldPosition() physics.Vector3 {
	if n.parent == nil {
		return n.LocalPosition
	}
	return n.parent.WorldPosition().Add(n.parent.WorldRotation().Rotate(n.LocalPosition))
}

func (n *Node) WorldRotation() physics.Quaternion {
	if n.parent == nil {
		return n.LocalRotation
	}
	return n.parent.WorldRotation().Mul(n.LocalRotation)
}

// Destroy notifies listeners in the subtree, deepest first, and detaches n.
func (n *Node) Destroy() {
	if n.destroyed {
		return
	}
	n.destroyed = true
	children := make([]*Node, len(n.children))
	copy(children, n.children)
	for i := len(children) - 1; i >= 0; i-- {
		children[i].Destroy()
	}
	components := make([]any, len(n.components))
	copy(components, n.components)
	for i := len(components) - 1; i >= 0; i-- {
		if listener, ok := components[i].(DestroyListener); ok {
			listener.OnNodeDestroyed()
		}
	}
	if n.parent != nil {
		n.parent.detach(n)
		n.parent = nil
	}
}

func (n *Node) detach(child *Node) {
	for i, c := range n.children {
		if c == child {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return
		}
	}
}

// ComponentOf returns the first component of n assignable to T.
func ComponentOf[T any](n *Node) (T, bool) {
	for _, component := range n.components {
		if typed, ok := component.(T); ok {
			return typed, true
		}
	}
	var zero T
	return zero, false
}

// ComponentsInChildren collects every component assignable to T in the subtree of n, n included.
func ComponentsInChildren[T any](n *Node) []T {
	var result []T
	n.Walk(func(node *Node) {
		for _, component := range node.components {
			if typed, ok := component.(T); ok {
				result = append(result, typed)
			}
		}
	})
	return result
}

// Walk visits n and its descendants depth first.
func (n *Node) Walk(visit func(node *Node)) {
	visit(n)
	for _, child := range n.children {
		child.Walk(visit)
	}
}
