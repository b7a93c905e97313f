package scene

import (
	"errors"
	"strconv"
	"strings"
)

// PathSeparator terminates every node name in a relative path.
const PathSeparator = "/"

var ErrNotInHierarchy = errors.New("node is not inside the ancestor's hierarchy")

// Path returns the absolute path of n, each name followed by a separator.
func Path(n *Node) string {
	var names []string
	for node := n; node != nil; node = node.parent {
		names = append(names, node.name)
	}
	return joinReversed(names)
}

// RelativePath returns the path from ancestor down to child, "a/b/" style, or
// "" when both are the same node.
func RelativePath(ancestor, child *Node) (string, error) {
	if ancestor == child {
		return "", nil
	}
	var names []string
	for node := child; node != ancestor; node = node.parent {
		if node == nil {
			return "", ErrNotInHierarchy
		}
		names = append(names, node.name)
	}
	return joinReversed(names), nil
}

// Find resolves relativePath below n. Empty segments are ignored.
func (n *Node) Find(relativePath string) *Node {
	current := n
	for _, name := range strings.Split(relativePath, PathSeparator) {
		if name == "" {
			continue
		}
		if current = current.Child(name); current == nil {
			return nil
		}
	}
	return current
}

// GetOrCreateChild resolves relativePath below n, creating missing nodes.
func (n *Node) GetOrCreateChild(relativePath string) *Node {
	current := n
	for _, name := range strings.Split(relativePath, PathSeparator) {
		if name == "" {
			continue
		}
		child := current.Child(name)
		if child == nil {
			child = NewNode(name)
			current.AddChild(child)
		}
		current = child
	}
	return current
}

// MakeUniqueName renames n when a sibling already uses its name, appending
// the number after the highest numbered sibling with the same prefix.
func MakeUniqueName(n *Node) bool {
	if n.parent == nil {
		return false
	}
	taken := false
	nextID := 0
	for _, sibling := range n.parent.children {
		if sibling == n || !strings.HasPrefix(sibling.name, n.name) {
			continue
		}
		if len(sibling.name) == len(n.name) {
			taken = true
			continue
		}
		if id, err := strconv.Atoi(sibling.name[len(n.name):]); err == nil && id >= nextID {
			nextID = id + 1
		}
	}
	if taken {
		n.name += strconv.Itoa(nextID)
	}
	return taken
}

func joinReversed(names []string) string {
	var sb strings.Builder
	for i := len(names) - 1; i >= 0; i-- {
		sb.WriteString(names[i])
		sb.WriteString(PathSeparator)
	}
	return sb.String()
}
