package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ButyrinIA/remy/internal/feed"
	"github.com/ButyrinIA/remy/internal/models"
	"github.com/ButyrinIA/remy/internal/storage"
	"go.uber.org/zap"
)

const subscriptionBuffer = 64

var errClosed = errors.New("storage closed")

// MemoryStorage keeps every table in process and publishes each write to its
// change feed, the way the hosted backend does.
type MemoryStorage struct {
	posts         map[int64]*models.Post
	comments      map[int64]*models.Comment
	authors       map[string]*models.Author
	nextPostID    int64
	nextCommentID int64
	closed        bool
	mu            sync.RWMutex

	hub *feed.Hub[feed.Event]
	log *zap.Logger
	now func() time.Time
}

func New(log *zap.Logger) *MemoryStorage {
	if log == nil {
		log = zap.NewNop()
	}
	return &MemoryStorage{
		posts:    make(map[int64]*models.Post),
		comments: make(map[int64]*models.Comment),
		authors:  make(map[string]*models.Author),
		hub:      feed.NewHub[feed.Event](log),
		log:      log,
		now:      time.Now,
	}
}

// AddAuthor registers display fields for a user id.
func (s *MemoryStorage) AddAuthor(a models.Author) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authors[a.ID] = &a
}

func (s *MemoryStorage) CreatePost(ctx context.Context, post *models.Post) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed
	}
	if post.ID == 0 {
		s.nextPostID++
		post.ID = s.nextPostID
	} else if post.ID > s.nextPostID {
		s.nextPostID = post.ID
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = s.now()
	}
	if post.ModerationStatus == "" {
		post.ModerationStatus = models.StatusApproved
	}
	post.IsActive = true
	stored := *post
	s.posts[post.ID] = &stored
	s.mu.Unlock()

	row := storage.PostRowOf(&stored)
	s.publish(storage.PostEvent(feed.Insert, nil, &row))
	return nil
}

func (s *MemoryStorage) GetPost(ctx context.Context, id int64) (*models.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	post, exists := s.posts[id]
	if !exists {
		return nil, fmt.Errorf("post %d: %w", id, storage.ErrNotFound)
	}
	out := *post
	out.Author = s.author(post.AuthorID)
	return &out, nil
}

// ListPosts returns approved active posts newest first. The cursor is the id
// of the last post of the previous page.
func (s *MemoryStorage) ListPosts(ctx context.Context, limit int, cursor *string) (*models.PaginatedPosts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var posts []*models.Post
	for _, post := range s.posts {
		if post.IsActive && post.ModerationStatus == models.StatusApproved {
			posts = append(posts, post)
		}
	}
	sort.Slice(posts, func(i, j int) bool {
		if posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].ID > posts[j].ID
		}
		return posts[i].CreatedAt.After(posts[j].CreatedAt)
	})

	totalCount := len(posts)

	startIdx := 0
	if cursor != nil {
		for i, post := range posts {
			if strconv.FormatInt(post.ID, 10) == *cursor {
				startIdx = i + 1
				break
			}
		}
	}

	endIdx := startIdx + limit
	if endIdx > len(posts) {
		endIdx = len(posts)
	}

	result := make([]*models.Post, 0, endIdx-startIdx)
	for _, post := range posts[startIdx:endIdx] {
		out := *post
		out.Author = s.author(post.AuthorID)
		result = append(result, &out)
	}

	var nextCursor *string
	if endIdx < len(posts) {
		cursorVal := strconv.FormatInt(posts[endIdx-1].ID, 10)
		nextCursor = &cursorVal
	}

	return &models.PaginatedPosts{
		Posts:      result,
		TotalCount: totalCount,
		NextCursor: nextCursor,
	}, nil
}

func (s *MemoryStorage) ListComments(ctx context.Context, postID int64) ([]*models.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	top := s.visibleComments(func(c *models.Comment) bool {
		return c.PostID == postID && c.ParentCommentID == nil
	})
	for _, c := range top {
		id := c.ID
		c.Replies = s.visibleComments(func(r *models.Comment) bool {
			return r.ParentCommentID != nil && *r.ParentCommentID == id
		})
	}
	return top, nil
}

func (s *MemoryStorage) GetComment(ctx context.Context, id int64) (*models.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.comments[id]
	if !ok {
		return nil, fmt.Errorf("comment %d: %w", id, storage.ErrNotFound)
	}
	out := *c
	return &out, nil
}

func (s *MemoryStorage) CreateComment(ctx context.Context, in models.NewComment) (*models.Comment, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errClosed
	}
	if _, ok := s.posts[in.PostID]; !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("post %d: %w", in.PostID, storage.ErrNotFound)
	}
	if in.ParentCommentID != nil {
		if _, ok := s.comments[*in.ParentCommentID]; !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("parent comment %d: %w", *in.ParentCommentID, storage.ErrNotFound)
		}
	}
	status := in.ModerationStatus
	if status == "" {
		status = models.StatusApproved
	}
	now := s.now()
	s.nextCommentID++
	c := &models.Comment{
		ID:               s.nextCommentID,
		PostID:           in.PostID,
		ParentCommentID:  in.ParentCommentID,
		Content:          in.Content,
		QuotedText:       in.QuotedText,
		AuthorID:         in.AuthorID,
		CreatedAt:        now,
		UpdatedAt:        now,
		IsActive:         true,
		ModerationStatus: status,
	}
	s.comments[c.ID] = c
	out := *c
	s.mu.Unlock()

	row := storage.CommentRowOf(&out)
	s.publish(storage.CommentEvent(feed.Insert, nil, &row))
	return &out, nil
}

func (s *MemoryStorage) UpdateComment(ctx context.Context, id int64, userID string, content string) (*models.Comment, error) {
	return s.mutateComment(id, func(c *models.Comment) bool {
		if c.AuthorID != userID {
			return false
		}
		c.Content = content
		c.UpdatedAt = s.now()
		return true
	})
}

func (s *MemoryStorage) SoftDeleteComment(ctx context.Context, id int64, userID string) error {
	_, err := s.mutateComment(id, func(c *models.Comment) bool {
		if c.AuthorID != userID {
			return false
		}
		c.IsActive = false
		return true
	})
	return err
}

func (s *MemoryStorage) ListPendingPosts(ctx context.Context) ([]*models.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Post
	for _, p := range s.posts {
		if p.IsActive && p.ModerationStatus == models.StatusPending {
			cp := *p
			cp.Author = s.author(p.AuthorID)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStorage) ListPendingComments(ctx context.Context) ([]*models.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Comment
	for _, c := range s.comments {
		if c.IsActive && c.ModerationStatus == models.StatusPending {
			cp := *c
			cp.Author = s.author(c.AuthorID)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStorage) SetPostsStatus(ctx context.Context, ids []int64, d models.Decision) error {
	return s.mutatePosts(ids, func(p *models.Post) {
		applyDecision(d, &p.ModerationStatus, &p.RejectionReason, &p.ModeratedBy, &p.ModeratedAt)
	})
}

func (s *MemoryStorage) SetCommentsStatus(ctx context.Context, ids []int64, d models.Decision) error {
	for _, id := range ids {
		_, err := s.mutateComment(id, func(c *models.Comment) bool {
			applyDecision(d, &c.ModerationStatus, &c.RejectionReason, &c.ModeratedBy, &c.ModeratedAt)
			return true
		})
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (s *MemoryStorage) DeactivatePosts(ctx context.Context, ids []int64) error {
	return s.mutatePosts(ids, func(p *models.Post) { p.IsActive = false })
}

func (s *MemoryStorage) DeactivateComments(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		_, err := s.mutateComment(id, func(c *models.Comment) bool {
			c.IsActive = false
			return true
		})
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (s *MemoryStorage) GetAuthors(ctx context.Context, ids []string) (map[string]*models.Author, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*models.Author, len(ids))
	for _, id := range ids {
		if a, ok := s.authors[id]; ok {
			cp := *a
			out[id] = &cp
		}
	}
	return out, nil
}

func (s *MemoryStorage) Subscribe(ctx context.Context, f feed.Filter) (*feed.Subscription[feed.Event], error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, errClosed
	}
	return s.hub.SubscribeContext(ctx, f.Topic(), subscriptionBuffer), nil
}

// Close drops all data and ends every subscription.
func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	s.posts = make(map[int64]*models.Post)
	s.comments = make(map[int64]*models.Comment)
	s.closed = true
	s.mu.Unlock()

	s.hub.Close()
	return nil
}

// visibleComments must be called with s.mu held.
func (s *MemoryStorage) visibleComments(match func(*models.Comment) bool) []*models.Comment {
	out := make([]*models.Comment, 0)
	for _, c := range s.comments {
		if c.IsActive && !c.IsBanned && match(c) {
			cp := *c
			cp.Author = s.author(c.AuthorID)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// author must be called with s.mu held.
func (s *MemoryStorage) author(id string) *models.Author {
	a, ok := s.authors[id]
	if !ok {
		return nil
	}
	cp := *a
	return &cp
}

// mutateComment applies fn to a stored comment and publishes an update when
// fn reports a change. The returned copy reflects the stored row either way.
func (s *MemoryStorage) mutateComment(id int64, fn func(*models.Comment) bool) (*models.Comment, error) {
	s.mu.Lock()
	c, ok := s.comments[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("comment %d: %w", id, storage.ErrNotFound)
	}
	before := *c
	changed := fn(c)
	out := *c
	s.mu.Unlock()

	if changed {
		oldRow, newRow := storage.CommentRowOf(&before), storage.CommentRowOf(&out)
		s.publish(storage.CommentEvent(feed.Update, &oldRow, &newRow))
	}
	return &out, nil
}

func (s *MemoryStorage) mutatePosts(ids []int64, fn func(*models.Post)) error {
	type change struct{ before, after models.Post }
	var changes []change

	s.mu.Lock()
	for _, id := range ids {
		p, ok := s.posts[id]
		if !ok {
			continue
		}
		before := *p
		fn(p)
		changes = append(changes, change{before: before, after: *p})
	}
	s.mu.Unlock()

	for _, ch := range changes {
		oldRow, newRow := storage.PostRowOf(&ch.before), storage.PostRowOf(&ch.after)
		s.publish(storage.PostEvent(feed.Update, &oldRow, &newRow))
	}
	return nil
}

func (s *MemoryStorage) publish(ev feed.Event, err error) {
	if err != nil {
		s.log.Error("encode change event", zap.Error(err))
		return
	}
	feed.Dispatch(s.hub, ev)
}

func applyDecision(d models.Decision, status *models.ModerationStatus, reason *string, by **string, at **time.Time) {
	*status = d.Status
	*reason = d.Reason
	moderator := d.ModeratorID
	*by = &moderator
	when := d.At
	*at = &when
}
