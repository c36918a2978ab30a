package conversation

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// ConversationTree indexes the messages of one conversation by id.
//
// The tree keeps the arena representation used for storage: every node refers
// to its parent and children by id. Nodes are shared with the caller, the tree
// never mutates them.
type ConversationTree struct {
	Nodes  map[int64]*Message
	RootID int64
}

// NewConversationTree builds the id index. The root is the node of kind root,
// or the node whose parent is NoParent when no explicit root exists.
func NewConversationTree(msgs []*Message) *ConversationTree {
	ct := &ConversationTree{
		Nodes:  make(map[int64]*Message, len(msgs)),
		RootID: NoParent,
	}
	for _, m := range msgs {
		if m == nil {
			continue
		}
		ct.Nodes[m.ID] = m
		if m.Kind == KindRoot || (ct.RootID == NoParent && m.Parent == NoParent) {
			ct.RootID = m.ID
		}
	}
	return ct
}

func (ct *ConversationTree) GetMessageByID(id int64) (*Message, bool) {
	ret, exists := ct.Nodes[id]
	return ret, exists
}

// Latest returns the node with the greatest timestamp, ties broken by id.
func (ct *ConversationTree) Latest() (*Message, bool) {
	var latest *Message
	for _, m := range ct.Nodes {
		if latest == nil || m.Timestamp > latest.Timestamp ||
			(m.Timestamp == latest.Timestamp && m.ID > latest.ID) {
			latest = m
		}
	}
	return latest, latest != nil
}

// GetConversationThread returns the nodes from id up to the root, in walk
// order (leaf first). Missing parents stop the walk.
func (ct *ConversationTree) GetConversationThread(id int64) Thread {
	var thread Thread
	seen := map[int64]bool{}
	for id != NoParent {
		node, exists := ct.Nodes[id]
		if !exists || seen[id] {
			break
		}
		seen[id] = true
		thread = append(thread, node)
		id = node.Parent
	}
	return thread
}

// FindSiblings returns the ids of the other children of id's parent.
func (ct *ConversationTree) FindSiblings(id int64) []int64 {
	node, exists := ct.Nodes[id]
	if !exists {
		return nil
	}
	parent, exists := ct.Nodes[node.Parent]
	if !exists {
		return nil
	}
	var siblings []int64
	for _, childID := range parent.Children {
		if childID != id {
			siblings = append(siblings, childID)
		}
	}
	return siblings
}

// FindLeaf descends from id by always choosing the most recent child, which
// is the last one in the children list.
func (ct *ConversationTree) FindLeaf(id int64) int64 {
	seen := map[int64]bool{}
	for {
		node, exists := ct.Nodes[id]
		if !exists || seen[id] || len(node.Children) == 0 {
			return id
		}
		seen[id] = true
		next := node.Children[len(node.Children)-1]
		if _, ok := ct.Nodes[next]; !ok {
			return id
		}
		id = next
	}
}

// SiblingLeafIDs returns, for every child of id's parent (id included), the
// leaf reached from that child. A UI uses the result to cycle between
// alternative continuations. The root has no siblings and yields nil.
func (ct *ConversationTree) SiblingLeafIDs(id int64) []int64 {
	node, exists := ct.Nodes[id]
	if !exists {
		return nil
	}
	parent, exists := ct.Nodes[node.Parent]
	if !exists {
		return nil
	}
	ret := make([]int64, 0, len(parent.Children))
	for _, childID := range parent.Children {
		ret = append(ret, ct.FindLeaf(childID))
	}
	return ret
}

// Subtree collects id and all its descendants breadth-first.
func (ct *ConversationTree) Subtree(id int64) []int64 {
	if _, exists := ct.Nodes[id]; !exists {
		return nil
	}
	seen := map[int64]bool{id: true}
	queue := []int64{id}
	var ret []int64
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		ret = append(ret, cur)
		node, ok := ct.Nodes[cur]
		if !ok {
			continue
		}
		for _, childID := range node.Children {
			if seen[childID] {
				continue
			}
			seen[childID] = true
			queue = append(queue, childID)
		}
	}
	return ret
}

// FilterToLeafPath linearizes the branch ending at leafID.
//
// When leafID is not in msgs, the node with the greatest timestamp is used
// instead. The walk goes from the start node up through parent pointers; the
// collected nodes are returned sorted by timestamp (ids break ties), so that
// out-of-order ids in the backing store do not reorder the prompt. The root
// is only part of the result when includeRoot is set.
func FilterToLeafPath(msgs []*Message, leafID int64, includeRoot bool) Thread {
	ct := NewConversationTree(msgs)
	start, ok := ct.GetMessageByID(leafID)
	if !ok {
		start, ok = ct.Latest()
		if !ok {
			return Thread{}
		}
	}

	thread := ct.GetConversationThread(start.ID)
	ret := make(Thread, 0, len(thread))
	for _, m := range thread {
		if m.Kind == KindRoot && !includeRoot {
			continue
		}
		ret = append(ret, m)
	}
	sort.SliceStable(ret, func(i, j int) bool {
		if ret[i].Timestamp != ret[j].Timestamp {
			return ret[i].Timestamp < ret[j].Timestamp
		}
		return ret[i].ID < ret[j].ID
	})
	return ret
}

// CopyPath copies a root-to-fork path into a new conversation. firstID is
// the start of a contiguous block of len(path) fresh ids. Each copy keeps
// role, content and timestamp, and only the child that continues the path.
// The returned map translates source ids to copy ids.
func CopyPath(path Thread, convID string, firstID int64) ([]*Message, map[int64]int64) {
	remap := make(map[int64]int64, len(path))
	for i, m := range path {
		remap[m.ID] = firstID + int64(i)
	}

	ret := make([]*Message, 0, len(path))
	for i, m := range path {
		cp := m.Clone()
		cp.ID = remap[m.ID]
		cp.ConvID = convID
		if newParent, ok := remap[m.Parent]; ok {
			cp.Parent = newParent
		} else {
			cp.Parent = NoParent
		}
		cp.Children = []int64{}
		if i+1 < len(path) {
			cp.Children = append(cp.Children, remap[path[i+1].ID])
		}
		ret = append(ret, cp)
	}
	return ret, remap
}

// ValidateTree checks the structural invariants of one conversation: a
// single root with no parent, parents that exist in the same conversation,
// children lists that are the exact inverse of parent pointers, no cycles,
// every node reachable from the root, and a current node that exists.
func ValidateTree(conv *Conversation, msgs []*Message) error {
	if conv == nil {
		return errors.Wrap(ErrCorruptTree, "conversation is nil")
	}
	ct := NewConversationTree(msgs)

	roots := 0
	for _, m := range msgs {
		if m.ConvID != conv.ID {
			return errors.Wrapf(ErrCorruptTree, "message %d belongs to %q, not %q", m.ID, m.ConvID, conv.ID)
		}
		if m.Kind == KindRoot {
			roots++
			if m.Parent != NoParent {
				return errors.Wrapf(ErrCorruptTree, "root %d has parent %d", m.ID, m.Parent)
			}
			continue
		}
		if m.Content.IsPending() {
			return errors.Wrapf(ErrCorruptTree, "message %d has pending content", m.ID)
		}
		parent, ok := ct.Nodes[m.Parent]
		if !ok {
			return errors.Wrapf(ErrCorruptTree, "message %d has missing parent %d", m.ID, m.Parent)
		}
		if count(parent.Children, m.ID) != 1 {
			return errors.Wrapf(ErrCorruptTree, "message %d not listed exactly once in children of %d", m.ID, parent.ID)
		}
	}
	if roots != 1 {
		return errors.Wrapf(ErrCorruptTree, "conversation %q has %d roots", conv.ID, roots)
	}

	owner := map[int64]int64{}
	for _, m := range msgs {
		for _, childID := range m.Children {
			child, ok := ct.Nodes[childID]
			if !ok {
				return errors.Wrapf(ErrCorruptTree, "message %d lists missing child %d", m.ID, childID)
			}
			if child.Parent != m.ID {
				return errors.Wrapf(ErrCorruptTree, "message %d lists child %d whose parent is %d", m.ID, childID, child.Parent)
			}
			if prev, dup := owner[childID]; dup {
				return errors.Wrapf(ErrCorruptTree, "child %d listed by %d and %d", childID, prev, m.ID)
			}
			owner[childID] = m.ID
		}
	}

	reachable := ct.Subtree(ct.RootID)
	if len(reachable) != len(ct.Nodes) {
		return errors.Wrapf(ErrCorruptTree, "%d of %d messages reachable from root", len(reachable), len(ct.Nodes))
	}

	if _, ok := ct.Nodes[conv.CurrentNode]; !ok {
		return errors.Wrapf(ErrCorruptTree, "current node %d does not exist", conv.CurrentNode)
	}
	return nil
}

func count(ids []int64, id int64) int {
	n := 0
	for _, v := range ids {
		if v == id {
			n++
		}
	}
	return n
}

// DescribePath renders a thread as role/content lines, for logs and the CLI.
func DescribePath(t Thread) []string {
	ret := make([]string, 0, len(t))
	for _, m := range t {
		ret = append(ret, fmt.Sprintf("%d %s: %s", m.ID, m.Role, m.Content.String()))
	}
	return ret
}
