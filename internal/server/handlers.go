package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/ButyrinIA/remy/internal/models"
	"github.com/ButyrinIA/remy/internal/storage"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

type tokenRequest struct {
	UserID string `validate:"omitempty,uuid"`
	Role   string `validate:"omitempty,oneof=user moderator"`
}

type createPostRequest struct {
	Title         string `json:"title" validate:"required,max=200"`
	Content       string `json:"content" validate:"required,max=20000"`
	AllowComments *bool  `json:"allowComments"`
}

type createCommentRequest struct {
	Content         string  `json:"content" validate:"required,max=2000"`
	ParentCommentID *int64  `json:"parentCommentId" validate:"omitempty,gt=0"`
	QuotedText      *string `json:"quotedText" validate:"omitempty,max=2000"`
}

type editCommentRequest struct {
	Content string `json:"content" validate:"required,max=2000"`
}

type commentsResponse struct {
	Comments []*models.Comment `json:"comments"`
	Count    int               `json:"count"`
}

// handleToken issues a development token. Without a user parameter a new
// user id is generated. Moderator tokens need auth.dev_tokens.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	req := tokenRequest{UserID: r.URL.Query().Get("user"), Role: r.URL.Query().Get("role")}
	if err := s.validate.Struct(req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Role == RoleModerator && !s.cfg.Auth.DevTokens {
		writeError(w, r, http.StatusForbidden, "moderator tokens are disabled")
		return
	}
	if req.UserID == "" {
		req.UserID = uuid.NewString()
	}
	if req.Role == "" {
		req.Role = RoleUser
	}
	token, err := s.generateToken(req.UserID, req.Role)
	if err != nil {
		s.fail(w, r, fmt.Errorf("generate token: %w", err))
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"token": token, "userId": req.UserID})
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	limit := defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(w, r, errBadRequest{msg: "invalid limit"})
			return
		}
		limit = min(n, maxPageSize)
	}
	var cursor *string
	if v := r.URL.Query().Get("cursor"); v != "" {
		cursor = &v
	}

	page, err := s.storage.ListPosts(r.Context(), limit, cursor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, page)
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var req createPostRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	claims := claimsFrom(r.Context())

	post := &models.Post{
		Title:         s.policy.Sanitize(req.Title),
		Content:       s.policy.Sanitize(req.Content),
		AuthorID:      claims.UserID,
		AllowComments: req.AllowComments == nil || *req.AllowComments,
	}
	status := models.StatusApproved
	if s.cfg.Moderation.PremoderatePosts {
		status = models.StatusPending
	}
	post.ModerationStatus = s.screener.Status(post.Title+"\n"+post.Content, status)

	if err := s.storage.CreatePost(r.Context(), post); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, post)
}

// handleGetPost hides inactive posts. Posts awaiting or failing moderation
// are shown to their author and to moderators only.
func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	post, err := s.visiblePost(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, post)
}

func (s *Server) visiblePost(r *http.Request) (*models.Post, error) {
	postID, err := idParam(r, "postID")
	if err != nil {
		return nil, err
	}
	post, err := s.storage.GetPost(r.Context(), postID)
	if err != nil {
		return nil, err
	}
	if !post.IsActive {
		return nil, fmt.Errorf("post %d: %w", postID, storage.ErrNotFound)
	}
	if post.ModerationStatus != models.StatusApproved {
		claims := claimsFrom(r.Context())
		if claims == nil || (claims.UserID != post.AuthorID && !claims.Moderator()) {
			return nil, fmt.Errorf("post %d: %w", postID, storage.ErrNotFound)
		}
	}
	return post, nil
}

// handleListComments answers from the live tree when the post is being
// watched, and loads it for the duration of the request otherwise.
func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	post, err := s.visiblePost(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	release, err := s.bridge.Acquire(r.Context(), post.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer release()

	writeJSON(w, r, http.StatusOK, commentsResponse{
		Comments: nonNil(s.comments.Comments(post.ID)),
		Count:    s.comments.CommentCount(post.ID),
	})
}

func (s *Server) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	post, err := s.visiblePost(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !post.AllowComments {
		s.fail(w, r, storage.ErrCommentsDisabled)
		return
	}

	var req createCommentRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.ParentCommentID != nil {
		parent, err := s.storage.GetComment(r.Context(), *req.ParentCommentID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if parent.PostID != post.ID {
			s.fail(w, r, errBadRequest{msg: "parent comment belongs to another post"})
			return
		}
	}

	in := models.NewComment{
		PostID:          post.ID,
		ParentCommentID: req.ParentCommentID,
		Content:         s.policy.Sanitize(req.Content),
		AuthorID:        claimsFrom(r.Context()).UserID,
	}
	if req.QuotedText != nil {
		quoted := s.policy.Sanitize(*req.QuotedText)
		in.QuotedText = &quoted
	}
	in.ModerationStatus = s.screener.Status(in.Content, models.StatusApproved)

	c, err := s.comments.CreateComment(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, c)
}

func (s *Server) handleEditComment(w http.ResponseWriter, r *http.Request) {
	postID, id, err := s.ownComment(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req editCommentRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.comments.EditComment(r.Context(), postID, id, claimsFrom(r.Context()).UserID, s.policy.Sanitize(req.Content))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, c)
}

func (s *Server) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	postID, id, err := s.ownComment(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.comments.DeleteComment(r.Context(), postID, id, claimsFrom(r.Context()).UserID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownComment resolves the route ids and checks that the caller wrote the comment.
func (s *Server) ownComment(r *http.Request) (postID, id int64, err error) {
	if postID, err = idParam(r, "postID"); err != nil {
		return 0, 0, err
	}
	if id, err = idParam(r, "commentID"); err != nil {
		return 0, 0, err
	}
	c, err := s.storage.GetComment(r.Context(), id)
	if err != nil {
		return 0, 0, err
	}
	if c.PostID != postID || !c.IsActive {
		return 0, 0, fmt.Errorf("comment %d: %w", id, storage.ErrNotFound)
	}
	if c.AuthorID != claimsFrom(r.Context()).UserID {
		return 0, 0, errNotAuthor
	}
	return postID, id, nil
}

func (s *Server) handleNotices(w http.ResponseWriter, r *http.Request) {
	if s.inbox == nil {
		writeError(w, r, http.StatusNotFound, "notice inbox is not configured")
		return
	}
	notices, err := s.inbox.Inbox(r.Context(), claimsFrom(r.Context()).UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, notices)
}

func nonNil(list []*models.Comment) []*models.Comment {
	if list == nil {
		return []*models.Comment{}
	}
	return list
}
