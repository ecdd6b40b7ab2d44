package storage

import (
	"context"
	"errors"

	"github.com/ButyrinIA/remy/internal/feed"
	"github.com/ButyrinIA/remy/internal/models"
)

const (
	TablePosts    = "posts"
	TableComments = "comments"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrCommentsDisabled = errors.New("comments are disabled for this post")
)

// Storage is the backend data service: relational tables plus a change feed.
type Storage interface {
	CreatePost(ctx context.Context, post *models.Post) error
	GetPost(ctx context.Context, id int64) (*models.Post, error)
	ListPosts(ctx context.Context, limit int, cursor *string) (*models.PaginatedPosts, error)

	// ListComments returns the visible top-level comments of a post, oldest
	// first, each with one level of visible replies and author fields joined.
	ListComments(ctx context.Context, postID int64) ([]*models.Comment, error)
	// GetComment returns the raw row, without author fields or replies.
	GetComment(ctx context.Context, id int64) (*models.Comment, error)
	CreateComment(ctx context.Context, c models.NewComment) (*models.Comment, error)
	// UpdateComment edits content of a comment owned by userID. When the caller
	// does not own it the row comes back unchanged.
	UpdateComment(ctx context.Context, id int64, userID string, content string) (*models.Comment, error)
	SoftDeleteComment(ctx context.Context, id int64, userID string) error

	ListPendingPosts(ctx context.Context) ([]*models.Post, error)
	ListPendingComments(ctx context.Context) ([]*models.Comment, error)
	SetPostsStatus(ctx context.Context, ids []int64, d models.Decision) error
	SetCommentsStatus(ctx context.Context, ids []int64, d models.Decision) error
	DeactivatePosts(ctx context.Context, ids []int64) error
	DeactivateComments(ctx context.Context, ids []int64) error

	GetAuthors(ctx context.Context, ids []string) (map[string]*models.Author, error)

	Subscribe(ctx context.Context, f feed.Filter) (*feed.Subscription[feed.Event], error)
	Close() error
}
