// Package waitlist implements an intrusive, doubly linked list, intended for
// wait-lists where the element owns its own link, and must be unlinked in
// O(1) from whichever list currently holds it.
//
// Each [Node] records the list it is linked into, which makes removal
// idempotent, and prevents a node being unlinked from the wrong list. None of
// the types are safe for concurrent use, callers are expected to hold
// whatever lock guards the owner of the list.
package waitlist

type (
	// Node is the link embedded in a list element. The zero value is an
	// unlinked node. A Node must not be copied while linked.
	Node[T any] struct {
		// Value is the element the node belongs to, typically a pointer back
		// to the struct embedding the node.
		Value T

		next *Node[T]
		prev *Node[T]
		list *List[T]
	}

	// List is a doubly linked list of nodes. The zero value is an empty list,
	// ready to use.
	List[T any] struct {
		head *Node[T]
		tail *Node[T]
		len  int
	}
)

// Linked returns true if the node is currently part of any list.
func (x *Node[T]) Linked() bool { return x.list != nil }

// In returns true if the node is currently part of l.
func (x *Node[T]) In(l *List[T]) bool { return l != nil && x.list == l }

// Next returns the following node, or nil.
func (x *Node[T]) Next() *Node[T] { return x.next }

// Prev returns the preceding node, or nil.
func (x *Node[T]) Prev() *Node[T] { return x.prev }

// Len returns the number of linked nodes.
func (x *List[T]) Len() int { return x.len }

// Front returns the head of the list, or nil if empty.
func (x *List[T]) Front() *Node[T] { return x.head }

// Back returns the tail of the list, or nil if empty.
func (x *List[T]) Back() *Node[T] { return x.tail }

// PushBack links n at the tail. It panics if n is already linked.
func (x *List[T]) PushBack(n *Node[T]) {
	x.mustUnlinked(n)
	n.list = x
	n.prev = x.tail
	n.next = nil
	if x.tail != nil {
		x.tail.next = n
	} else {
		x.head = n
	}
	x.tail = n
	x.len++
}

// InsertBefore links n immediately before mark, which must be linked into
// this list.
func (x *List[T]) InsertBefore(n, mark *Node[T]) {
	if mark == nil || mark.list != x {
		panic(`waitlist: mark not in list`)
	}
	x.mustUnlinked(n)
	n.list = x
	n.next = mark
	n.prev = mark.prev
	if mark.prev != nil {
		mark.prev.next = n
	} else {
		x.head = n
	}
	mark.prev = n
	x.len++
}

// Remove unlinks n, returning false if it was not part of this list.
func (x *List[T]) Remove(n *Node[T]) bool {
	if n == nil || n.list != x {
		return false
	}
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		x.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		x.tail = n.prev
	}
	n.next = nil
	n.prev = nil
	n.list = nil
	x.len--
	return true
}

// PopFront unlinks and returns the head, or nil if the list is empty.
func (x *List[T]) PopFront() *Node[T] {
	n := x.head
	if n != nil {
		x.Remove(n)
	}
	return n
}

// Unlink removes n from whichever list it is part of, returning false if it
// was not linked.
func Unlink[T any](n *Node[T]) bool {
	if n == nil || n.list == nil {
		return false
	}
	return n.list.Remove(n)
}

func (x *List[T]) mustUnlinked(n *Node[T]) {
	if n == nil {
		panic(`waitlist: nil node`)
	}
	if n.list != nil {
		panic(`waitlist: node already linked`)
	}
}
