package comments

import "github.com/ButyrinIA/remy/internal/models"

// transform inspects one node. When handled is true the node is replaced by
// repl (nil removes it) and the walk stops descending into that node.
type transform func(n *models.Comment) (repl *models.Comment, handled bool)

// rewrite walks nodes depth first and applies fn to every node until it
// handles one. Lists and nodes off the changed path are returned as is, so an
// unchanged tree comes back identical and untouched branches keep their identity.
func rewrite(nodes []*models.Comment, fn transform) ([]*models.Comment, bool) {
	for i, n := range nodes {
		if repl, handled := fn(n); handled {
			out := make([]*models.Comment, 0, len(nodes))
			out = append(out, nodes[:i]...)
			if repl != nil {
				out = append(out, repl)
			}
			return append(out, nodes[i+1:]...), true
		}
		if replies, changed := rewrite(n.Replies, fn); changed {
			cp := *n
			cp.Replies = replies
			out := make([]*models.Comment, len(nodes))
			copy(out, nodes)
			out[i] = &cp
			return out, true
		}
	}
	return nodes, false
}

// insertNode places c at the head of the top level or of its parent's replies.
// A reply whose parent is not in the tree is dropped.
func insertNode(nodes []*models.Comment, c *models.Comment) ([]*models.Comment, bool) {
	if c.ParentCommentID == nil {
		out := make([]*models.Comment, 0, len(nodes)+1)
		out = append(out, c)
		return append(out, nodes...), true
	}
	parentID := *c.ParentCommentID
	return rewrite(nodes, func(n *models.Comment) (*models.Comment, bool) {
		if n.ID != parentID {
			return nil, false
		}
		cp := *n
		cp.Replies = make([]*models.Comment, 0, len(n.Replies)+1)
		cp.Replies = append(cp.Replies, c)
		cp.Replies = append(cp.Replies, n.Replies...)
		return &cp, true
	})
}

func updateNode(nodes []*models.Comment, id int64, patch models.CommentPatch) ([]*models.Comment, bool) {
	return rewrite(nodes, func(n *models.Comment) (*models.Comment, bool) {
		if n.ID != id {
			return nil, false
		}
		cp := *n
		applyPatch(&cp, patch)
		return &cp, true
	})
}

// removeNode drops exactly the node with id. Its replies go with it.
func removeNode(nodes []*models.Comment, id int64) ([]*models.Comment, bool) {
	return rewrite(nodes, func(n *models.Comment) (*models.Comment, bool) {
		if n.ID != id {
			return nil, false
		}
		return nil, true
	})
}

func countNodes(nodes []*models.Comment) int {
	total := 0
	for _, n := range nodes {
		total += 1 + countNodes(n.Replies)
	}
	return total
}

func applyPatch(c *models.Comment, p models.CommentPatch) {
	if p.Content != nil {
		c.Content = *p.Content
	}
	if p.UpdatedAt != nil {
		c.UpdatedAt = *p.UpdatedAt
	}
	if p.IsActive != nil {
		c.IsActive = *p.IsActive
	}
	if p.IsBanned != nil {
		c.IsBanned = *p.IsBanned
	}
	if p.ModerationStatus != nil {
		c.ModerationStatus = *p.ModerationStatus
	}
	if p.RejectionReason != nil {
		c.RejectionReason = *p.RejectionReason
	}
}
