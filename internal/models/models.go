package models

import "time"

type ModerationStatus string

const (
	StatusPending  ModerationStatus = "pending"
	StatusApproved ModerationStatus = "approved"
	StatusRejected ModerationStatus = "rejected"
)

type ContentType string

const (
	ContentPost    ContentType = "post"
	ContentComment ContentType = "comment"
)

func (t ContentType) Valid() bool {
	return t == ContentPost || t == ContentComment
}

// Author holds the display fields joined onto posts and comments.
type Author struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

type Post struct {
	ID               int64            `json:"id"`
	Title            string           `json:"title"`
	Content          string           `json:"content"`
	AuthorID         string           `json:"authorId"`
	Author           *Author          `json:"author,omitempty"`
	AllowComments    bool             `json:"allowComments"`
	IsActive         bool             `json:"isActive"`
	ModerationStatus ModerationStatus `json:"moderationStatus"`
	RejectionReason  string           `json:"rejectionReason,omitempty"`
	ModeratedBy      *string          `json:"moderatedBy,omitempty"`
	ModeratedAt      *time.Time       `json:"moderatedAt,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
}

type Comment struct {
	ID               int64            `json:"id"`
	PostID           int64            `json:"postId"`
	ParentCommentID  *int64           `json:"parentCommentId"`
	Content          string           `json:"content"`
	QuotedText       *string          `json:"quotedText,omitempty"`
	AuthorID         string           `json:"authorId"`
	Author           *Author          `json:"author,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
	IsActive         bool             `json:"isActive"`
	IsBanned         bool             `json:"isBanned"`
	ModerationStatus ModerationStatus `json:"moderationStatus"`
	RejectionReason  string           `json:"rejectionReason,omitempty"`
	ModeratedBy      *string          `json:"moderatedBy,omitempty"`
	ModeratedAt      *time.Time       `json:"moderatedAt,omitempty"`
	Replies          []*Comment       `json:"replies"`
}

// NewComment is the insert payload for a comment.
type NewComment struct {
	PostID           int64
	ParentCommentID  *int64
	Content          string
	QuotedText       *string
	AuthorID         string
	ModerationStatus ModerationStatus
}

// CommentPatch carries the fields an update may change. Nil fields are left alone.
type CommentPatch struct {
	Content          *string
	UpdatedAt        *time.Time
	IsActive         *bool
	IsBanned         *bool
	ModerationStatus *ModerationStatus
	RejectionReason  *string
}

// Empty reports whether the patch changes nothing.
func (p CommentPatch) Empty() bool {
	return p.Content == nil && p.UpdatedAt == nil && p.IsActive == nil &&
		p.IsBanned == nil && p.ModerationStatus == nil && p.RejectionReason == nil
}

// Decision is a moderator verdict applied to one or more items of a type.
type Decision struct {
	Status      ModerationStatus
	Reason      string
	ModeratorID string
	At          time.Time
}

type ItemKey struct {
	Type ContentType `json:"contentType" validate:"required,oneof=post comment"`
	ID   int64       `json:"id" validate:"required,gt=0"`
}

// QueueItem is a pending post or comment as shown to moderators.
type QueueItem struct {
	ContentType      ContentType      `json:"contentType"`
	ID               int64            `json:"id"`
	PostID           int64            `json:"postId"`
	Title            string           `json:"title,omitempty"`
	Content          string           `json:"content"`
	AuthorID         string           `json:"authorId"`
	Author           *Author          `json:"author,omitempty"`
	ModerationStatus ModerationStatus `json:"moderationStatus"`
	RejectionReason  string           `json:"rejectionReason,omitempty"`
	ModeratedBy      *string          `json:"moderatedBy,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
}

func (i QueueItem) Key() ItemKey {
	return ItemKey{Type: i.ContentType, ID: i.ID}
}

func PostItem(p *Post) QueueItem {
	return QueueItem{
		ContentType:      ContentPost,
		ID:               p.ID,
		PostID:           p.ID,
		Title:            p.Title,
		Content:          p.Content,
		AuthorID:         p.AuthorID,
		Author:           p.Author,
		ModerationStatus: p.ModerationStatus,
		RejectionReason:  p.RejectionReason,
		ModeratedBy:      p.ModeratedBy,
		CreatedAt:        p.CreatedAt,
	}
}

func CommentItem(c *Comment) QueueItem {
	return QueueItem{
		ContentType:      ContentComment,
		ID:               c.ID,
		PostID:           c.PostID,
		Content:          c.Content,
		AuthorID:         c.AuthorID,
		Author:           c.Author,
		ModerationStatus: c.ModerationStatus,
		RejectionReason:  c.RejectionReason,
		ModeratedBy:      c.ModeratedBy,
		CreatedAt:        c.CreatedAt,
	}
}

type NoticeKind string

const (
	NoticeApproved NoticeKind = "approved"
	NoticeRejected NoticeKind = "rejected"
	NoticeDeleted  NoticeKind = "deleted"
	NoticeMessage  NoticeKind = "message"
)

// Notice is delivered to an author about a moderation action on their content.
type Notice struct {
	ID          string      `json:"id"`
	Kind        NoticeKind  `json:"kind"`
	RecipientID string      `json:"recipientId"`
	ModeratorID string      `json:"moderatorId"`
	ContentType ContentType `json:"contentType"`
	ContentID   int64       `json:"contentId"`
	Text        string      `json:"text,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

type PaginatedPosts struct {
	Posts      []*Post `json:"posts"`
	TotalCount int     `json:"totalCount"`
	NextCursor *string `json:"nextCursor"`
}
