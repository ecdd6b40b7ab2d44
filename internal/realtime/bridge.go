// Package realtime applies backend change events to the comment tree store.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ButyrinIA/remy/internal/comments"
	"github.com/ButyrinIA/remy/internal/feed"
	"github.com/ButyrinIA/remy/internal/models"
	"github.com/ButyrinIA/remy/internal/storage"
	"go.uber.org/zap"
)

const loadTimeout = 30 * time.Second

// Source provides the change feed and the row lookups an insert needs.
type Source interface {
	Subscribe(ctx context.Context, f feed.Filter) (*feed.Subscription[feed.Event], error)
	GetComment(ctx context.Context, id int64) (*models.Comment, error)
}

// AuthorLoader resolves the author of a fetched comment.
type AuthorLoader interface {
	Load(ctx context.Context, id string) (*models.Author, error)
}

// Bridge keeps one feed watcher per post while anyone holds the post.
// Inserted rows are fetched again with their author before they reach the
// store; updates and deletes are applied straight from the event unless the
// image lacks its text columns.
type Bridge struct {
	store   *comments.Store
	source  Source
	authors AuthorLoader
	log     *zap.Logger

	mu       sync.Mutex
	watchers map[int64]*watcher
}

type watcher struct {
	refs   int
	ready  chan struct{}
	err    error
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a bridge applying the feed of source to store.
func New(store *comments.Store, source Source, authors AuthorLoader, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		store:    store,
		source:   source,
		authors:  authors,
		log:      log,
		watchers: make(map[int64]*watcher),
	}
}

// Acquire makes sure the tree of postID is loaded and kept live. The first
// holder subscribes and loads; the returned release ends the hold, and the
// last release stops the watcher and drops the tree. ctx only bounds the wait
// of a holder arriving while the first load runs.
func (b *Bridge) Acquire(ctx context.Context, postID int64) (func(), error) {
	b.mu.Lock()
	w, ok := b.watchers[postID]
	if ok {
		w.refs++
		b.mu.Unlock()
		select {
		case <-w.ready:
		case <-ctx.Done():
			b.release(postID, w)
			return nil, ctx.Err()
		}
		if w.err != nil {
			b.release(postID, w)
			return nil, w.err
		}
		return b.releaser(postID, w), nil
	}
	w = &watcher{refs: 1, ready: make(chan struct{}), done: make(chan struct{})}
	b.watchers[postID] = w
	b.mu.Unlock()

	w.err = b.start(postID, w)
	close(w.ready)
	if w.err != nil {
		b.release(postID, w)
		return nil, w.err
	}
	return b.releaser(postID, w), nil
}

// Watching reports whether a watcher is running for postID.
func (b *Bridge) Watching(postID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.watchers[postID]
	return ok
}

// Close stops every watcher.
func (b *Bridge) Close() {
	b.mu.Lock()
	all := b.watchers
	b.watchers = make(map[int64]*watcher)
	b.mu.Unlock()

	for postID, w := range all {
		if w.cancel != nil {
			w.cancel()
			<-w.done
		}
		b.store.Forget(postID)
	}
}

func (b *Bridge) start(postID int64, w *watcher) error {
	watchCtx, cancel := context.WithCancel(context.Background())

	// subscribe before loading so nothing committed in between is missed
	sub, err := b.source.Subscribe(watchCtx, storage.PostIDFilter(postID))
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to comments of post %d: %w", postID, err)
	}
	// the load serves every holder, so it must not end with the first caller
	loadCtx, cancelLoad := context.WithTimeout(watchCtx, loadTimeout)
	err = b.store.LoadComments(loadCtx, postID)
	cancelLoad()
	if err != nil {
		cancel()
		return err
	}

	b.mu.Lock()
	w.cancel = cancel
	b.mu.Unlock()

	go b.run(watchCtx, postID, sub, w.done)
	b.log.Info("comment feed attached", zap.Int64("post_id", postID))
	return nil
}

func (b *Bridge) releaser(postID int64, w *watcher) func() {
	var once sync.Once
	return func() {
		once.Do(func() { b.release(postID, w) })
	}
}

func (b *Bridge) release(postID int64, w *watcher) {
	b.mu.Lock()
	w.refs--
	if w.refs > 0 {
		b.mu.Unlock()
		return
	}
	if b.watchers[postID] == w {
		delete(b.watchers, postID)
	}
	cancel := w.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		b.store.Forget(postID)
		b.log.Info("comment feed detached", zap.Int64("post_id", postID))
	}
}

func (b *Bridge) run(ctx context.Context, postID int64, sub *feed.Subscription[feed.Event], done chan struct{}) {
	defer close(done)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := b.Handle(ctx, postID, ev); err != nil {
				b.log.Warn("change event not applied",
					zap.Int64("post_id", postID), zap.String("type", string(ev.Type)), zap.Error(err))
			}
		}
	}
}

// Handle applies one comments change event to the tree of postID. When ctx
// ends while an insert is being fetched, the fetched row is discarded.
func (b *Bridge) Handle(ctx context.Context, postID int64, ev feed.Event) error {
	switch ev.Type {
	case feed.Insert:
		return b.handleInsert(ctx, postID, ev)
	case feed.Update:
		return b.handleUpdate(ctx, postID, ev)
	case feed.Delete:
		var row struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(ev.Old, &row); err != nil {
			return fmt.Errorf("decode deleted row: %w", err)
		}
		b.store.Remove(postID, row.ID)
		return nil
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
}

func (b *Bridge) handleInsert(ctx context.Context, postID int64, ev feed.Event) error {
	var row struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(ev.New, &row); err != nil {
		return fmt.Errorf("decode inserted row: %w", err)
	}

	c, err := b.source.GetComment(ctx, row.ID)
	if err != nil {
		return fmt.Errorf("fetch comment %d: %w", row.ID, err)
	}
	if !c.IsActive || c.IsBanned {
		return nil
	}
	if b.authors != nil {
		author, err := b.authors.Load(ctx, c.AuthorID)
		if err != nil {
			b.log.Warn("author lookup failed", zap.String("author_id", c.AuthorID), zap.Error(err))
		}
		c.Author = author
	}
	if ctx.Err() != nil {
		return nil
	}
	b.store.Insert(postID, c)
	return nil
}

func (b *Bridge) handleUpdate(ctx context.Context, postID int64, ev feed.Event) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(ev.New, &fields); err != nil {
		return fmt.Errorf("decode updated row: %w", err)
	}
	var id int64
	if err := json.Unmarshal(fields["id"], &id); err != nil {
		return fmt.Errorf("decode updated row id: %w", err)
	}

	patch, err := patchOf(fields)
	if err != nil {
		return err
	}
	if (patch.IsActive != nil && !*patch.IsActive) || (patch.IsBanned != nil && *patch.IsBanned) {
		b.store.Remove(postID, id)
		return nil
	}
	if _, ok := fields["content"]; !ok {
		return b.refresh(ctx, postID, id)
	}
	if !patch.Empty() {
		b.store.Update(postID, id, patch)
	}
	return nil
}

// refresh replaces the node with the stored row. Used when the event image
// came without its text columns.
func (b *Bridge) refresh(ctx context.Context, postID, id int64) error {
	c, err := b.source.GetComment(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		b.store.Remove(postID, id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch comment %d: %w", id, err)
	}
	if ctx.Err() != nil {
		return nil
	}
	if !c.IsActive || c.IsBanned {
		b.store.Remove(postID, id)
		return nil
	}
	status := c.ModerationStatus
	b.store.Update(postID, id, models.CommentPatch{
		Content:          &c.Content,
		UpdatedAt:        &c.UpdatedAt,
		ModerationStatus: &status,
		RejectionReason:  &c.RejectionReason,
	})
	return nil
}

// patchOf turns the columns present in a row image into a patch. Columns
// missing from the image stay nil.
func patchOf(fields map[string]json.RawMessage) (models.CommentPatch, error) {
	var p models.CommentPatch
	var err error
	if raw, ok := fields["content"]; ok {
		var v string
		if err = json.Unmarshal(raw, &v); err == nil {
			p.Content = &v
		}
	}
	if raw, ok := fields["updated_at"]; ok && err == nil {
		var v time.Time
		if err = json.Unmarshal(raw, &v); err == nil {
			p.UpdatedAt = &v
		}
	}
	if raw, ok := fields["is_active"]; ok && err == nil {
		var v bool
		if err = json.Unmarshal(raw, &v); err == nil {
			p.IsActive = &v
		}
	}
	if raw, ok := fields["is_banned"]; ok && err == nil {
		var v bool
		if err = json.Unmarshal(raw, &v); err == nil {
			p.IsBanned = &v
		}
	}
	if raw, ok := fields["moderation_status"]; ok && err == nil {
		var v models.ModerationStatus
		if err = json.Unmarshal(raw, &v); err == nil {
			p.ModerationStatus = &v
		}
	}
	if raw, ok := fields["rejection_reason"]; ok && err == nil {
		var v *string
		if err = json.Unmarshal(raw, &v); err == nil {
			reason := ""
			if v != nil {
				reason = *v
			}
			p.RejectionReason = &reason
		}
	}
	if err != nil {
		return models.CommentPatch{}, fmt.Errorf("decode updated fields: %w", err)
	}
	return p, nil
}
