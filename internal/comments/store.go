// Package comments keeps the loaded comment trees of posts in memory.
package comments

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/ButyrinIA/remy/internal/feed"
	"github.com/ButyrinIA/remy/internal/models"
	"go.uber.org/zap"
)

const watchBuffer = 32

// Backend is the part of the data service the store reads and writes through.
type Backend interface {
	ListComments(ctx context.Context, postID int64) ([]*models.Comment, error)
	CreateComment(ctx context.Context, c models.NewComment) (*models.Comment, error)
	UpdateComment(ctx context.Context, id int64, userID string, content string) (*models.Comment, error)
	SoftDeleteComment(ctx context.Context, id int64, userID string) error
}

// ChangeKind names what a Change did to a tree.
type ChangeKind string

const (
	ChangeSnapshot ChangeKind = "snapshot"
	ChangeInsert   ChangeKind = "insert"
	ChangeUpdate   ChangeKind = "update"
	ChangeRemove   ChangeKind = "remove"
)

// Change describes one applied mutation of a post's tree.
type Change struct {
	Kind      ChangeKind        `json:"kind"`
	PostID    int64             `json:"postId"`
	CommentID int64             `json:"commentId,omitempty"`
	Comment   *models.Comment   `json:"comment,omitempty"`
	Comments  []*models.Comment `json:"comments,omitempty"`
	Count     int               `json:"count"`
}

// Store owns the comment trees. Trees are never mutated in place: every
// change swaps in a rewritten tree that shares untouched branches, so a
// slice returned by Comments stays valid and must be treated as read-only.
type Store struct {
	backend Backend
	log     *zap.Logger

	mu      sync.RWMutex
	trees   map[int64][]*models.Comment
	loading map[int64]bool

	changes *feed.Hub[Change]
}

// New returns an empty store over backend.
func New(backend Backend, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		backend: backend,
		log:     log,
		trees:   make(map[int64][]*models.Comment),
		loading: make(map[int64]bool),
		changes: feed.NewHub[Change](log),
	}
}

// LoadComments replaces the tree of postID with the backend's current view.
// On failure the previous tree is kept and the error returned.
func (s *Store) LoadComments(ctx context.Context, postID int64) error {
	s.setLoading(postID, true)
	defer s.setLoading(postID, false)

	list, err := s.backend.ListComments(ctx, postID)
	if err != nil {
		return fmt.Errorf("load comments of post %d: %w", postID, err)
	}

	s.mu.Lock()
	s.trees[postID] = list
	count := countNodes(list)
	s.mu.Unlock()

	s.log.Debug("comments loaded", zap.Int64("post_id", postID), zap.Int("count", count))
	s.notify(Change{Kind: ChangeSnapshot, PostID: postID, Comments: list, Count: count})
	return nil
}

// CreateComment persists a comment and places the stored record in its tree.
func (s *Store) CreateComment(ctx context.Context, in models.NewComment) (*models.Comment, error) {
	c, err := s.backend.CreateComment(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("create comment: %w", err)
	}
	s.Insert(c.PostID, c)
	return c, nil
}

// EditComment changes the content of a comment on the backend and then in the tree.
func (s *Store) EditComment(ctx context.Context, postID, id int64, userID, content string) (*models.Comment, error) {
	c, err := s.backend.UpdateComment(ctx, id, userID, content)
	if err != nil {
		return nil, fmt.Errorf("edit comment %d: %w", id, err)
	}
	updatedAt := c.UpdatedAt
	s.Update(postID, id, models.CommentPatch{Content: &c.Content, UpdatedAt: &updatedAt})
	return c, nil
}

// DeleteComment soft-deletes a comment on the backend and then drops it from the tree.
func (s *Store) DeleteComment(ctx context.Context, postID, id int64, userID string) error {
	if err := s.backend.SoftDeleteComment(ctx, id, userID); err != nil {
		return fmt.Errorf("delete comment %d: %w", id, err)
	}
	s.Remove(postID, id)
	return nil
}

// Insert places c at the head of the top level of postID, or at the head of
// its parent's replies. It reports false and changes nothing when c belongs
// to another post, the post is not loaded, c is already in the tree, or its
// parent is not loaded.
func (s *Store) Insert(postID int64, c *models.Comment) bool {
	if c == nil || c.PostID != postID {
		s.log.Warn("comment does not belong to post", zap.Int64("post_id", postID))
		return false
	}
	node := *c

	s.mu.Lock()
	tree, loaded := s.trees[postID]
	if !loaded || contains(tree, node.ID) {
		s.mu.Unlock()
		return false
	}
	next, ok := insertNode(tree, &node)
	if ok {
		s.trees[postID] = next
	}
	count := countNodes(s.trees[postID])
	s.mu.Unlock()

	if !ok {
		s.log.Debug("reply parent not loaded, comment dropped",
			zap.Int64("post_id", postID), zap.Int64("comment_id", node.ID))
		return false
	}
	s.notify(Change{Kind: ChangeInsert, PostID: postID, CommentID: node.ID, Comment: &node, Count: count})
	return true
}

// Update merges patch into the comment with id, wherever it sits in the tree.
func (s *Store) Update(postID, id int64, patch models.CommentPatch) bool {
	s.mu.Lock()
	next, ok := updateNode(s.trees[postID], id, patch)
	if ok {
		s.trees[postID] = next
	}
	count := countNodes(s.trees[postID])
	s.mu.Unlock()

	if !ok {
		return false
	}
	s.notify(Change{Kind: ChangeUpdate, PostID: postID, CommentID: id, Comment: find(next, id), Count: count})
	return true
}

// Remove drops the comment with id from whichever list holds it.
func (s *Store) Remove(postID, id int64) bool {
	s.mu.Lock()
	next, ok := removeNode(s.trees[postID], id)
	if ok {
		s.trees[postID] = next
	}
	count := countNodes(s.trees[postID])
	s.mu.Unlock()

	if !ok {
		return false
	}
	s.notify(Change{Kind: ChangeRemove, PostID: postID, CommentID: id, Count: count})
	return true
}

// CommentCount counts every reachable comment of postID once.
func (s *Store) CommentCount(postID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countNodes(s.trees[postID])
}

// Comments returns the current tree of postID.
func (s *Store) Comments(postID int64) []*models.Comment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trees[postID]
}

// Loaded reports whether the tree of postID is held.
func (s *Store) Loaded(postID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.trees[postID]
	return ok
}

// Loading reports whether a load of postID is in flight.
func (s *Store) Loading(postID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading[postID]
}

// Forget drops the tree of postID.
func (s *Store) Forget(postID int64) {
	s.mu.Lock()
	delete(s.trees, postID)
	s.mu.Unlock()
}

// Watch subscribes to the changes applied to the tree of postID.
func (s *Store) Watch(ctx context.Context, postID int64) *feed.Subscription[Change] {
	return s.changes.SubscribeContext(ctx, topic(postID), watchBuffer)
}

func (s *Store) setLoading(postID int64, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v {
		s.loading[postID] = true
	} else {
		delete(s.loading, postID)
	}
}

func (s *Store) notify(ch Change) {
	s.changes.Publish(topic(ch.PostID), ch)
}

func topic(postID int64) string {
	return strconv.FormatInt(postID, 10)
}

func contains(nodes []*models.Comment, id int64) bool {
	return find(nodes, id) != nil
}

func find(nodes []*models.Comment, id int64) *models.Comment {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
		if found := find(n.Replies, id); found != nil {
			return found
		}
	}
	return nil
}
