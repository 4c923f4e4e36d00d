package vfs

import "casbak/internal/dirent"

// node is one overlay tree node. The overlay superimposes pending edits on
// the committed tree: a node carries the effective entry at its position,
// the decoded committed directory it shadows (lazily filled), and a map of
// child overrides keyed by case-policy-folded name. A node with deleted
// set shadows a same-named committed entry as unlinked.
//
// Committed directories are never mutated; all edits accumulate here until
// Commit folds them back through the codec.
type node struct {
	entry   dirent.Entry
	dir     *dirent.Directory
	subtree map[string]*node
	deleted bool
}

func (n *node) attach(key string, child *node) {
	if n.subtree == nil {
		n.subtree = make(map[string]*node)
	}
	n.subtree[key] = child
}
