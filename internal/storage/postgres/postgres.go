package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ButyrinIA/remy/internal/feed"
	"github.com/ButyrinIA/remy/internal/models"
	"github.com/ButyrinIA/remy/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	notifyChannel      = "remy_changes"
	subscriptionBuffer = 64
	relistenDelay      = time.Second
)

const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		username TEXT NOT NULL,
		avatar_url TEXT
	);
	CREATE TABLE IF NOT EXISTS posts (
		id BIGSERIAL PRIMARY KEY,
		user_id UUID NOT NULL,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		allow_comments BOOLEAN NOT NULL DEFAULT TRUE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		moderation_status TEXT NOT NULL DEFAULT 'approved',
		rejection_reason TEXT,
		moderated_by UUID,
		moderated_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE TABLE IF NOT EXISTS comments (
		id BIGSERIAL PRIMARY KEY,
		post_id BIGINT NOT NULL REFERENCES posts(id),
		parent_comment_id BIGINT REFERENCES comments(id),
		user_id UUID NOT NULL,
		content TEXT NOT NULL,
		quoted_text TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		is_banned BOOLEAN NOT NULL DEFAULT FALSE,
		moderation_status TEXT NOT NULL DEFAULT 'approved',
		rejection_reason TEXT,
		moderated_by UUID,
		moderated_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_comments_post_id ON comments(post_id);
	CREATE INDEX IF NOT EXISTS idx_comments_parent_id ON comments(parent_comment_id);
	CREATE INDEX IF NOT EXISTS idx_posts_moderation ON posts(moderation_status) WHERE is_active;
	CREATE INDEX IF NOT EXISTS idx_comments_moderation ON comments(moderation_status) WHERE is_active;

	CREATE OR REPLACE FUNCTION remy_notify_change() RETURNS trigger AS $$
	DECLARE
		payload JSONB := jsonb_build_object('table', TG_TABLE_NAME, 'type', TG_OP);
	BEGIN
		IF TG_OP <> 'DELETE' THEN
			payload := payload || jsonb_build_object('new', to_jsonb(NEW));
		END IF;
		IF TG_OP <> 'INSERT' THEN
			payload := payload || jsonb_build_object('old', to_jsonb(OLD));
		END IF;
		IF TG_TABLE_NAME = 'comments' THEN
			IF TG_OP = 'DELETE' THEN
				payload := payload || jsonb_build_object('keys', jsonb_build_object('post_id', OLD.post_id::text));
			ELSE
				payload := payload || jsonb_build_object('keys', jsonb_build_object('post_id', NEW.post_id::text));
			END IF;
		END IF;
		-- pg_notify payloads are capped at 8000 bytes. Without the free text
		-- columns both images stay far below it; consumers re-fetch the row.
		IF octet_length(payload::text) > 7900 THEN
			payload := payload
				#- '{new,content}' #- '{new,quoted_text}' #- '{new,title}' #- '{new,rejection_reason}'
				#- '{old,content}' #- '{old,quoted_text}' #- '{old,title}' #- '{old,rejection_reason}';
		END IF;
		PERFORM pg_notify('remy_changes', payload::text);
		RETURN NULL;
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS posts_notify_change ON posts;
	CREATE TRIGGER posts_notify_change AFTER INSERT OR UPDATE OR DELETE ON posts
		FOR EACH ROW EXECUTE FUNCTION remy_notify_change();
	DROP TRIGGER IF EXISTS comments_notify_change ON comments;
	CREATE TRIGGER comments_notify_change AFTER INSERT OR UPDATE OR DELETE ON comments
		FOR EACH ROW EXECUTE FUNCTION remy_notify_change();
`

const commentColumns = `
	c.id, c.post_id, c.parent_comment_id, c.user_id::text, c.content, c.quoted_text,
	c.is_active, c.is_banned, c.moderation_status, c.rejection_reason,
	c.moderated_by::text, c.moderated_at, c.created_at, c.updated_at`

const postColumns = `
	p.id, p.user_id::text, p.title, p.content, p.allow_comments, p.is_active,
	p.moderation_status, p.rejection_reason, p.moderated_by::text, p.moderated_at, p.created_at`

type PostgresStorage struct {
	pool *pgxpool.Pool
	hub  *feed.Hub[feed.Event]
	log  *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(dsn string, log *zap.Logger) (*PostgresStorage, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s := &PostgresStorage{
		pool:   pool,
		hub:    feed.NewHub[feed.Event](log),
		log:    log,
		cancel: cancel,
	}
	s.wg.Add(1)
	go s.listen(listenCtx)
	return s, nil
}

// AddAuthor inserts or refreshes a user's display fields.
func (s *PostgresStorage) AddAuthor(ctx context.Context, a models.Author) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, username, avatar_url) VALUES ($1, $2, NULLIF($3, ''))
		ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, avatar_url = EXCLUDED.avatar_url`,
		a.ID, a.Username, a.AvatarURL)
	return err
}

func (s *PostgresStorage) CreatePost(ctx context.Context, post *models.Post) error {
	status := post.ModerationStatus
	if status == "" {
		status = models.StatusApproved
	}
	var createdAt *time.Time
	if !post.CreatedAt.IsZero() {
		createdAt = &post.CreatedAt
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO posts (user_id, title, content, allow_comments, moderation_status, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))
		RETURNING id, created_at, is_active, moderation_status`,
		post.AuthorID, post.Title, post.Content, post.AllowComments, string(status), createdAt,
	).Scan(&post.ID, &post.CreatedAt, &post.IsActive, &post.ModerationStatus)
	if err != nil {
		return fmt.Errorf("failed to create post: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetPost(ctx context.Context, id int64) (*models.Post, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+postColumns+`, u.username, u.avatar_url
		FROM posts p LEFT JOIN users u ON u.id = p.user_id
		WHERE p.id = $1`, id)
	p, err := scanPost(row, true)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("post %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get post: %w", err)
	}
	return p, nil
}

func (s *PostgresStorage) ListPosts(ctx context.Context, limit int, cursor *string) (*models.PaginatedPosts, error) {
	var totalCount int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM posts WHERE is_active AND moderation_status = 'approved'`).Scan(&totalCount)
	if err != nil {
		return nil, err
	}

	var after *int64
	if cursor != nil {
		id, err := strconv.ParseInt(*cursor, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor %q: %w", *cursor, err)
		}
		after = &id
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+postColumns+`, u.username, u.avatar_url
		FROM posts p LEFT JOIN users u ON u.id = p.user_id
		WHERE p.is_active AND p.moderation_status = 'approved'
		AND ($1::BIGINT IS NULL OR p.id < $1)
		ORDER BY p.id DESC
		LIMIT $2`, after, limit+1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []*models.Post
	for rows.Next() {
		p, err := scanPost(rows, true)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var nextCursor *string
	if len(posts) > limit {
		posts = posts[:limit]
		cursorVal := strconv.FormatInt(posts[limit-1].ID, 10)
		nextCursor = &cursorVal
	}

	return &models.PaginatedPosts{
		Posts:      posts,
		TotalCount: totalCount,
		NextCursor: nextCursor,
	}, nil
}

func (s *PostgresStorage) ListComments(ctx context.Context, postID int64) ([]*models.Comment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+commentColumns+`, u.username, u.avatar_url
		FROM comments c LEFT JOIN users u ON u.id = c.user_id
		WHERE c.post_id = $1 AND c.is_active AND NOT c.is_banned
		AND (c.parent_comment_id IS NULL OR c.parent_comment_id IN (
			SELECT id FROM comments
			WHERE post_id = $1 AND parent_comment_id IS NULL AND is_active AND NOT is_banned))
		ORDER BY c.created_at ASC, c.id ASC`, postID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()

	top := make([]*models.Comment, 0)
	byID := make(map[int64]*models.Comment)
	var replies []*models.Comment
	for rows.Next() {
		c, err := scanComment(rows, true)
		if err != nil {
			return nil, err
		}
		if c.ParentCommentID == nil {
			c.Replies = make([]*models.Comment, 0)
			top = append(top, c)
			byID[c.ID] = c
		} else {
			replies = append(replies, c)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, r := range replies {
		if parent, ok := byID[*r.ParentCommentID]; ok {
			parent.Replies = append(parent.Replies, r)
		}
	}
	return top, nil
}

func (s *PostgresStorage) GetComment(ctx context.Context, id int64) (*models.Comment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+commentColumns+` FROM comments c WHERE c.id = $1`, id)
	c, err := scanComment(row, false)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("comment %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get comment: %w", err)
	}
	return c, nil
}

func (s *PostgresStorage) CreateComment(ctx context.Context, in models.NewComment) (*models.Comment, error) {
	status := in.ModerationStatus
	if status == "" {
		status = models.StatusApproved
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO comments AS c (post_id, parent_comment_id, user_id, content, quoted_text, moderation_status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+commentColumns,
		in.PostID, in.ParentCommentID, in.AuthorID, in.Content, in.QuotedText, string(status))
	c, err := scanComment(row, false)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return nil, fmt.Errorf("post %d or parent comment: %w", in.PostID, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to create comment: %w", err)
	}
	return c, nil
}

func (s *PostgresStorage) UpdateComment(ctx context.Context, id int64, userID string, content string) (*models.Comment, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE comments AS c SET content = $3, updated_at = now()
		WHERE c.id = $1 AND c.user_id = $2
		RETURNING `+commentColumns, id, userID, content)
	c, err := scanComment(row, false)
	if errors.Is(err, pgx.ErrNoRows) {
		// not the owner: the row comes back as it is
		return s.GetComment(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update comment: %w", err)
	}
	return c, nil
}

func (s *PostgresStorage) SoftDeleteComment(ctx context.Context, id int64, userID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE comments SET is_active = FALSE WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete comment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		_, err := s.GetComment(ctx, id)
		return err
	}
	return nil
}

func (s *PostgresStorage) ListPendingPosts(ctx context.Context) ([]*models.Post, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+postColumns+`, u.username, u.avatar_url
		FROM posts p LEFT JOIN users u ON u.id = p.user_id
		WHERE p.is_active AND p.moderation_status = 'pending'
		ORDER BY p.created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending posts: %w", err)
	}
	defer rows.Close()

	var out []*models.Post
	for rows.Next() {
		p, err := scanPost(rows, true)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) ListPendingComments(ctx context.Context) ([]*models.Comment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+commentColumns+`, u.username, u.avatar_url
		FROM comments c LEFT JOIN users u ON u.id = c.user_id
		WHERE c.is_active AND c.moderation_status = 'pending'
		ORDER BY c.created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending comments: %w", err)
	}
	defer rows.Close()

	var out []*models.Comment
	for rows.Next() {
		c, err := scanComment(rows, true)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) SetPostsStatus(ctx context.Context, ids []int64, d models.Decision) error {
	return s.setStatus(ctx, storage.TablePosts, ids, d)
}

func (s *PostgresStorage) SetCommentsStatus(ctx context.Context, ids []int64, d models.Decision) error {
	return s.setStatus(ctx, storage.TableComments, ids, d)
}

func (s *PostgresStorage) DeactivatePosts(ctx context.Context, ids []int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE posts SET is_active = FALSE WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("failed to deactivate posts: %w", err)
	}
	return nil
}

func (s *PostgresStorage) DeactivateComments(ctx context.Context, ids []int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE comments SET is_active = FALSE WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("failed to deactivate comments: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetAuthors(ctx context.Context, ids []string) (map[string]*models.Author, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, username, COALESCE(avatar_url, '') FROM users WHERE id::text = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load authors: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*models.Author, len(ids))
	for rows.Next() {
		var a models.Author
		if err := rows.Scan(&a.ID, &a.Username, &a.AvatarURL); err != nil {
			return nil, err
		}
		out[a.ID] = &a
	}
	return out, rows.Err()
}

func (s *PostgresStorage) Subscribe(ctx context.Context, f feed.Filter) (*feed.Subscription[feed.Event], error) {
	return s.hub.SubscribeContext(ctx, f.Topic(), subscriptionBuffer), nil
}

func (s *PostgresStorage) Close() error {
	s.cancel()
	s.wg.Wait()
	s.hub.Close()
	s.pool.Close()
	return nil
}

func (s *PostgresStorage) setStatus(ctx context.Context, table string, ids []int64, d models.Decision) error {
	at := d.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE `+table+`
		SET moderation_status = $2, rejection_reason = NULLIF($3, ''),
			moderated_by = NULLIF($4, '')::uuid, moderated_at = $5
		WHERE id = ANY($1)`,
		ids, string(d.Status), d.Reason, d.ModeratorID, at)
	if err != nil {
		return fmt.Errorf("failed to set %s status: %w", table, err)
	}
	return nil
}

// listen holds one connection in LISTEN and relays notifications into the hub
// until ctx is cancelled. A dropped connection is re-acquired.
func (s *PostgresStorage) listen(ctx context.Context) {
	defer s.wg.Done()
	for {
		err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		s.log.Error("change feed listener stopped", zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(relistenDelay):
		}
	}
}

func (s *PostgresStorage) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	s.log.Info("listening for changes", zap.String("channel", notifyChannel))

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var ev feed.Event
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			s.log.Warn("undecodable change notification", zap.Error(err))
			continue
		}
		feed.Dispatch(s.hub, ev)
	}
}

func scanComment(row pgx.Row, withAuthor bool) (*models.Comment, error) {
	var (
		c               models.Comment
		status          string
		rejectionReason *string
		username        *string
		avatarURL       *string
	)
	dest := []any{
		&c.ID, &c.PostID, &c.ParentCommentID, &c.AuthorID, &c.Content, &c.QuotedText,
		&c.IsActive, &c.IsBanned, &status, &rejectionReason,
		&c.ModeratedBy, &c.ModeratedAt, &c.CreatedAt, &c.UpdatedAt,
	}
	if withAuthor {
		dest = append(dest, &username, &avatarURL)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	c.ModerationStatus = models.ModerationStatus(status)
	if rejectionReason != nil {
		c.RejectionReason = *rejectionReason
	}
	c.Author = author(c.AuthorID, username, avatarURL)
	return &c, nil
}

func scanPost(row pgx.Row, withAuthor bool) (*models.Post, error) {
	var (
		p               models.Post
		status          string
		rejectionReason *string
		username        *string
		avatarURL       *string
	)
	dest := []any{
		&p.ID, &p.AuthorID, &p.Title, &p.Content, &p.AllowComments, &p.IsActive,
		&status, &rejectionReason, &p.ModeratedBy, &p.ModeratedAt, &p.CreatedAt,
	}
	if withAuthor {
		dest = append(dest, &username, &avatarURL)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	p.ModerationStatus = models.ModerationStatus(status)
	if rejectionReason != nil {
		p.RejectionReason = *rejectionReason
	}
	p.Author = author(p.AuthorID, username, avatarURL)
	return &p, nil
}

func author(id string, username, avatarURL *string) *models.Author {
	if username == nil {
		return nil
	}
	a := &models.Author{ID: id, Username: *username}
	if avatarURL != nil {
		a.AvatarURL = *avatarURL
	}
	return a
}
