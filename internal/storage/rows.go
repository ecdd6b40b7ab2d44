package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ButyrinIA/remy/internal/feed"
	"github.com/ButyrinIA/remy/internal/models"
)

// CommentRow is the comments table row image carried by change events.
type CommentRow struct {
	ID               int64      `json:"id"`
	PostID           int64      `json:"post_id"`
	ParentCommentID  *int64     `json:"parent_comment_id"`
	UserID           string     `json:"user_id"`
	Content          string     `json:"content"`
	QuotedText       *string    `json:"quoted_text"`
	IsActive         bool       `json:"is_active"`
	IsBanned         bool       `json:"is_banned"`
	ModerationStatus string     `json:"moderation_status"`
	RejectionReason  *string    `json:"rejection_reason"`
	ModeratedBy      *string    `json:"moderated_by"`
	ModeratedAt      *time.Time `json:"moderated_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// PostRow is the posts table row image carried by change events.
type PostRow struct {
	ID               int64      `json:"id"`
	UserID           string     `json:"user_id"`
	Title            string     `json:"title"`
	Content          string     `json:"content"`
	AllowComments    bool       `json:"allow_comments"`
	IsActive         bool       `json:"is_active"`
	ModerationStatus string     `json:"moderation_status"`
	RejectionReason  *string    `json:"rejection_reason"`
	ModeratedBy      *string    `json:"moderated_by"`
	ModeratedAt      *time.Time `json:"moderated_at"`
	CreatedAt        time.Time  `json:"created_at"`
}

func CommentRowOf(c *models.Comment) CommentRow {
	row := CommentRow{
		ID:               c.ID,
		PostID:           c.PostID,
		ParentCommentID:  c.ParentCommentID,
		UserID:           c.AuthorID,
		Content:          c.Content,
		QuotedText:       c.QuotedText,
		IsActive:         c.IsActive,
		IsBanned:         c.IsBanned,
		ModerationStatus: string(c.ModerationStatus),
		ModeratedBy:      c.ModeratedBy,
		ModeratedAt:      c.ModeratedAt,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
	if c.RejectionReason != "" {
		reason := c.RejectionReason
		row.RejectionReason = &reason
	}
	return row
}

func (r CommentRow) Model() *models.Comment {
	c := &models.Comment{
		ID:               r.ID,
		PostID:           r.PostID,
		ParentCommentID:  r.ParentCommentID,
		Content:          r.Content,
		QuotedText:       r.QuotedText,
		AuthorID:         r.UserID,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		IsActive:         r.IsActive,
		IsBanned:         r.IsBanned,
		ModerationStatus: models.ModerationStatus(r.ModerationStatus),
		ModeratedBy:      r.ModeratedBy,
		ModeratedAt:      r.ModeratedAt,
	}
	if r.RejectionReason != nil {
		c.RejectionReason = *r.RejectionReason
	}
	return c
}

func PostRowOf(p *models.Post) PostRow {
	row := PostRow{
		ID:               p.ID,
		UserID:           p.AuthorID,
		Title:            p.Title,
		Content:          p.Content,
		AllowComments:    p.AllowComments,
		IsActive:         p.IsActive,
		ModerationStatus: string(p.ModerationStatus),
		ModeratedBy:      p.ModeratedBy,
		ModeratedAt:      p.ModeratedAt,
		CreatedAt:        p.CreatedAt,
	}
	if p.RejectionReason != "" {
		reason := p.RejectionReason
		row.RejectionReason = &reason
	}
	return row
}

func (r PostRow) Model() *models.Post {
	p := &models.Post{
		ID:               r.ID,
		Title:            r.Title,
		Content:          r.Content,
		AuthorID:         r.UserID,
		AllowComments:    r.AllowComments,
		IsActive:         r.IsActive,
		ModerationStatus: models.ModerationStatus(r.ModerationStatus),
		ModeratedBy:      r.ModeratedBy,
		ModeratedAt:      r.ModeratedAt,
		CreatedAt:        r.CreatedAt,
	}
	if r.RejectionReason != nil {
		p.RejectionReason = *r.RejectionReason
	}
	return p
}

// CommentEvent builds the change event for a comments row.
func CommentEvent(typ feed.EventType, oldRow, newRow *CommentRow) (feed.Event, error) {
	ev := feed.Event{Table: TableComments, Type: typ}
	var postID int64
	if oldRow != nil {
		b, err := json.Marshal(oldRow)
		if err != nil {
			return feed.Event{}, fmt.Errorf("encode old comment row: %w", err)
		}
		ev.Old = b
		postID = oldRow.PostID
	}
	if newRow != nil {
		b, err := json.Marshal(newRow)
		if err != nil {
			return feed.Event{}, fmt.Errorf("encode new comment row: %w", err)
		}
		ev.New = b
		postID = newRow.PostID
	}
	ev.Keys = map[string]string{"post_id": strconv.FormatInt(postID, 10)}
	return ev, nil
}

// PostEvent builds the change event for a posts row.
func PostEvent(typ feed.EventType, oldRow, newRow *PostRow) (feed.Event, error) {
	ev := feed.Event{Table: TablePosts, Type: typ}
	if oldRow != nil {
		b, err := json.Marshal(oldRow)
		if err != nil {
			return feed.Event{}, fmt.Errorf("encode old post row: %w", err)
		}
		ev.Old = b
	}
	if newRow != nil {
		b, err := json.Marshal(newRow)
		if err != nil {
			return feed.Event{}, fmt.Errorf("encode new post row: %w", err)
		}
		ev.New = b
	}
	return ev, nil
}

// PostIDFilter is the change feed filter for the comments of one post.
func PostIDFilter(postID int64) feed.Filter {
	return feed.Filter{Table: TableComments, Column: "post_id", Value: strconv.FormatInt(postID, 10)}
}

// HasText reports whether a row image carries the content column. Images of
// oversized rows arrive without their free text, and consumers re-fetch them.
func HasText(image json.RawMessage) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(image, &fields); err != nil {
		return false
	}
	_, ok := fields["content"]
	return ok
}
