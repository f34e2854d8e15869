package memstore

import (
	"fmt"
)

type color bool

const (
	black, red color = true, false
)

// redBlackTree ordered row index
//
// IMPORTANT: does not provide thread safety, callers hold Store.mu
type redBlackTree struct {
	root *redBlackNode
	size int
}

// redBlackNode is a tree element
type redBlackNode struct {
	key    Key
	color  color
	left   *redBlackNode
	right  *redBlackNode
	parent *redBlackNode
}

// put inserts key into the tree
func (t *redBlackTree) put(key Key) {
	if t.root == nil {
		t.root = &redBlackNode{key: key, color: black}
		t.size++
		return
	}

	curNode := t.root
	for {
		switch key.Compare(curNode.key) {
		case KeyEqual:
			return
		case KeyLessThan:
			if curNode.left == nil {
				curNode.left = &redBlackNode{key: key, color: red, parent: curNode}
				t.insertCase1(curNode.left)
				t.size++
				return
			}
			curNode = curNode.left
		case KeyMoreThan:
			if curNode.right == nil {
				curNode.right = &redBlackNode{key: key, color: red, parent: curNode}
				t.insertCase1(curNode.right)
				t.size++
				return
			}
			curNode = curNode.right
		}
	}
}

// remove the node with key from the tree
func (t *redBlackTree) remove(key Key) {
	delNode := t.lookup(key)
	if delNode == nil {
		return
	}

	if delNode.left != nil && delNode.right != nil {
		replacementNode := delNode.left.maximumNode()
		delNode.key = replacementNode.key
		delNode = replacementNode
	}

	var childNode *redBlackNode
	if delNode.right == nil {
		childNode = delNode.left
	} else {
		childNode = delNode.right
	}
	if delNode.color == black {
		delNode.color = nodeColor(childNode)
		t.deleteCase1(delNode)
	}
	t.replaceNode(delNode, childNode)
	if delNode.parent == nil && childNode != nil {
		childNode.color = black
	}

	t.size--
}

// ceiling returns the smallest node with key >= key, nil if none
func (t *redBlackTree) ceiling(key Key) *redBlackNode {
	var found *redBlackNode
	for curNode := t.root; curNode != nil; {
		switch curNode.key.Compare(key) {
		case KeyEqual:
			return curNode
		case KeyMoreThan:
			found = curNode
			curNode = curNode.left
		case KeyLessThan:
			curNode = curNode.right
		}
	}
	return found
}

// next returns in-order successor
func (n *redBlackNode) next() *redBlackNode {
	if n.right != nil {
		cur := n.right
		for cur.left != nil {
			cur = cur.left
		}
		return cur
	}
	cur := n
	for cur.parent != nil {
		if cur == cur.parent.left {
			return cur.parent
		}
		cur = cur.parent
	}
	return nil
}

// keys returns all keys in-order
func (t *redBlackTree) keys() []Key {
	keys := make([]Key, 0, t.size)
	if t.root == nil {
		return keys
	}
	n := t.root
	for n.left != nil {
		n = n.left
	}
	for ; n != nil; n = n.next() {
		keys = append(keys, n.key)
	}
	return keys
}

func (t *redBlackTree) String() string {
	return fmt.Sprintf("redBlackTree size=%d", t.size)
}

func (t *redBlackTree) lookup(key Key) *redBlackNode {
	curNode := t.root
	for curNode != nil {
		switch key.Compare(curNode.key) {
		case KeyEqual:
			return curNode
		case KeyLessThan:
			curNode = curNode.left
		case KeyMoreThan:
			curNode = curNode.right
		}
	}
	return nil
}

func (n *redBlackNode) grandparent() *redBlackNode {
	if n != nil && n.parent != nil {
		return n.parent.parent
	}
	return nil
}

func (n *redBlackNode) uncle() *redBlackNode {
	if n == nil || n.parent == nil || n.parent.parent == nil {
		return nil
	}
	return n.parent.sibling()
}

func (n *redBlackNode) sibling() *redBlackNode {
	if n == nil || n.parent == nil {
		return nil
	}
	if n == n.parent.left {
		return n.parent.right
	}
	return n.parent.left
}

func (n *redBlackNode) maximumNode() *redBlackNode {
	cur := n
	for cur.right != nil {
		cur = cur.right
	}
	return cur
}

func (t *redBlackTree) rotateLeft(node *redBlackNode) {
	right := node.right
	t.replaceNode(node, right)
	node.right = right.left
	if right.left != nil {
		right.left.parent = node
	}
	right.left = node
	node.parent = right
}

func (t *redBlackTree) rotateRight(node *redBlackNode) {
	left := node.left
	t.replaceNode(node, left)
	node.left = left.right
	if left.right != nil {
		left.right.parent = node
	}
	left.right = node
	node.parent = left
}

func (t *redBlackTree) replaceNode(old *redBlackNode, new *redBlackNode) {
	if old.parent == nil {
		t.root = new
	} else if old == old.parent.left {
		old.parent.left = new
	} else {
		old.parent.right = new
	}
	if new != nil {
		new.parent = old.parent
	}
}

func (t *redBlackTree) insertCase1(node *redBlackNode) {
	if node.parent == nil {
		node.color = black
		return
	}
	if nodeColor(node.parent) == black {
		return
	}

	uncleNode := node.uncle()
	if nodeColor(uncleNode) == red {
		node.parent.color = black
		uncleNode.color = black
		node.grandparent().color = red
		t.insertCase1(node.grandparent())
		return
	}

	grandparentNode := node.grandparent()
	if node == node.parent.right && node.parent == grandparentNode.left {
		t.rotateLeft(node.parent)
		node = node.left
	} else if node == node.parent.left && node.parent == grandparentNode.right {
		t.rotateRight(node.parent)
		node = node.right
	}

	node.parent.color = black
	grandparentNode = node.grandparent()
	grandparentNode.color = red
	if node == node.parent.left && node.parent == grandparentNode.left {
		t.rotateRight(grandparentNode)
	} else if node == node.parent.right && node.parent == grandparentNode.right {
		t.rotateLeft(grandparentNode)
	}
}

func (t *redBlackTree) deleteCase1(node *redBlackNode) {
	if node.parent == nil {
		return
	}

	siblingNode := node.sibling()
	if nodeColor(siblingNode) == red {
		node.parent.color = red
		siblingNode.color = black
		if node == node.parent.left {
			t.rotateLeft(node.parent)
		} else {
			t.rotateRight(node.parent)
		}
	}

	siblingNode = node.sibling()
	if nodeColor(node.parent) == black &&
		nodeColor(siblingNode) == black &&
		nodeColor(siblingNode.left) == black &&
		nodeColor(siblingNode.right) == black {
		siblingNode.color = red
		t.deleteCase1(node.parent)
		return
	}

	if nodeColor(node.parent) == red &&
		nodeColor(siblingNode) == black &&
		nodeColor(siblingNode.left) == black &&
		nodeColor(siblingNode.right) == black {
		siblingNode.color = red
		node.parent.color = black
		return
	}

	if node == node.parent.left &&
		nodeColor(siblingNode) == black &&
		nodeColor(siblingNode.left) == red &&
		nodeColor(siblingNode.right) == black {
		siblingNode.color = red
		siblingNode.left.color = black
		t.rotateRight(siblingNode)
	} else if node == node.parent.right &&
		nodeColor(siblingNode) == black &&
		nodeColor(siblingNode.right) == red &&
		nodeColor(siblingNode.left) == black {
		siblingNode.color = red
		siblingNode.right.color = black
		t.rotateLeft(siblingNode)
	}

	siblingNode = node.sibling()
	siblingNode.color = nodeColor(node.parent)
	node.parent.color = black
	if node == node.parent.left && nodeColor(siblingNode.right) == red {
		siblingNode.right.color = black
		t.rotateLeft(node.parent)
	} else if nodeColor(siblingNode.left) == red {
		siblingNode.left.color = black
		t.rotateRight(node.parent)
	}
}

func nodeColor(node *redBlackNode) color {
	if node == nil {
		return black
	}
	return node.color
}
