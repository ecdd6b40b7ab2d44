// Package moderation holds the queue of posts and comments waiting for a
// moderator decision.
package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ButyrinIA/remy/internal/feed"
	"github.com/ButyrinIA/remy/internal/models"
	"github.com/ButyrinIA/remy/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	queueTopic  = "queue"
	watchBuffer = 64
)

var (
	// ErrBulkAction is returned for any failed bulk action. The queue and the
	// selection are left as they were.
	ErrBulkAction = errors.New("bulk moderation action failed")
	// ErrNotQueued is returned for a point action on an item the queue does not hold.
	ErrNotQueued = errors.New("item is not in the moderation queue")
)

// Backend is the part of the data service the queue reads and writes through.
type Backend interface {
	ListPendingPosts(ctx context.Context) ([]*models.Post, error)
	ListPendingComments(ctx context.Context) ([]*models.Comment, error)
	GetPost(ctx context.Context, id int64) (*models.Post, error)
	GetComment(ctx context.Context, id int64) (*models.Comment, error)
	SetPostsStatus(ctx context.Context, ids []int64, d models.Decision) error
	SetCommentsStatus(ctx context.Context, ids []int64, d models.Decision) error
	DeactivatePosts(ctx context.Context, ids []int64) error
	DeactivateComments(ctx context.Context, ids []int64) error
	Subscribe(ctx context.Context, f feed.Filter) (*feed.Subscription[feed.Event], error)
}

// Notifier delivers notices to content authors.
type Notifier interface {
	Notify(ctx context.Context, n models.Notice) error
}

// UpdateKind names what an Update did to the queue.
type UpdateKind string

const (
	UpdateSnapshot UpdateKind = "snapshot"
	UpdateAdded    UpdateKind = "added"
	UpdateRemoved  UpdateKind = "removed"
)

// Update describes one change of the queue contents.
type Update struct {
	Kind  UpdateKind         `json:"kind"`
	Items []models.QueueItem `json:"items,omitempty"`
	Keys  []models.ItemKey   `json:"keys,omitempty"`
	Len   int                `json:"len"`
}

// Queue is the ordered list of items awaiting a decision. Load and Apply
// are serialized so a reload never brings back an item an event removed.
type Queue struct {
	backend  Backend
	notifier Notifier
	log      *zap.Logger
	now      func() time.Time

	syncMu sync.Mutex

	mu      sync.RWMutex
	items   []models.QueueItem
	loading bool

	changes *feed.Hub[Update]
}

// New returns an empty queue. Call Load or Watch to fill it.
func New(backend Backend, notifier Notifier, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		backend:  backend,
		notifier: notifier,
		log:      log,
		now:      time.Now,
		changes:  feed.NewHub[Update](log),
	}
}

// Load replaces the queue with every pending post and comment, oldest first.
func (q *Queue) Load(ctx context.Context) error {
	q.syncMu.Lock()
	defer q.syncMu.Unlock()

	q.setLoading(true)
	defer q.setLoading(false)

	var (
		posts    []*models.Post
		comments []*models.Comment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		posts, err = q.backend.ListPendingPosts(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		comments, err = q.backend.ListPendingComments(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("load moderation queue: %w", err)
	}

	items := make([]models.QueueItem, 0, len(posts)+len(comments))
	for _, p := range posts {
		items = append(items, models.PostItem(p))
	}
	for _, c := range comments {
		items = append(items, models.CommentItem(c))
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})

	q.mu.Lock()
	q.items = items
	q.mu.Unlock()

	q.log.Info("moderation queue loaded", zap.Int("posts", len(posts)), zap.Int("comments", len(comments)))
	q.publish(Update{Kind: UpdateSnapshot, Items: items, Len: len(items)})
	return nil
}

// Items returns a copy of the queue in display order.
func (q *Queue) Items() []models.QueueItem {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]models.QueueItem, len(q.items))
	copy(out, q.items)
	return out
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// Loading reports whether a Load is in flight.
func (q *Queue) Loading() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.loading
}

// Get returns the queued item with key.
func (q *Queue) Get(key models.ItemKey) (models.QueueItem, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, it := range q.items {
		if it.Key() == key {
			return it, true
		}
	}
	return models.QueueItem{}, false
}

// Approve publishes the item.
func (q *Queue) Approve(ctx context.Context, key models.ItemKey, moderatorID string) error {
	d := models.Decision{Status: models.StatusApproved, ModeratorID: moderatorID, At: q.now()}
	return q.act(ctx, key, moderatorID, models.NoticeApproved, "", func(ids []int64) error {
		return q.setStatus(ctx, key.Type, ids, d)
	})
}

// Reject hides the item and tells its author why.
func (q *Queue) Reject(ctx context.Context, key models.ItemKey, moderatorID, reason string) error {
	d := models.Decision{Status: models.StatusRejected, Reason: reason, ModeratorID: moderatorID, At: q.now()}
	return q.act(ctx, key, moderatorID, models.NoticeRejected, reason, func(ids []int64) error {
		return q.setStatus(ctx, key.Type, ids, d)
	})
}

// Delete deactivates the item. It stays in the database but is hidden everywhere.
func (q *Queue) Delete(ctx context.Context, key models.ItemKey, moderatorID string) error {
	return q.act(ctx, key, moderatorID, models.NoticeDeleted, "", func(ids []int64) error {
		return q.deactivate(ctx, key.Type, ids)
	})
}

// Message sends text to the author of a queued item. The item stays queued.
func (q *Queue) Message(ctx context.Context, key models.ItemKey, moderatorID, text string) error {
	it, ok := q.Get(key)
	if !ok {
		return ErrNotQueued
	}
	if q.notifier == nil {
		return errors.New("no notifier configured")
	}
	if err := q.notifier.Notify(ctx, q.notice(it, moderatorID, models.NoticeMessage, text)); err != nil {
		return fmt.Errorf("message author of %s %d: %w", key.Type, key.ID, err)
	}
	return nil
}

// act runs a point action. The item leaves the queue only when write succeeds.
func (q *Queue) act(ctx context.Context, key models.ItemKey, moderatorID string, kind models.NoticeKind, text string, write func([]int64) error) error {
	it, ok := q.Get(key)
	if !ok {
		return ErrNotQueued
	}
	if err := write([]int64{key.ID}); err != nil {
		return fmt.Errorf("%s %s %d: %w", kind, key.Type, key.ID, err)
	}
	q.remove([]models.ItemKey{key})
	q.log.Info("moderation action applied",
		zap.String("action", string(kind)), zap.String("type", string(key.Type)),
		zap.Int64("id", key.ID), zap.String("moderator", moderatorID))
	q.tell(ctx, []models.QueueItem{it}, moderatorID, kind, text)
	return nil
}

// BulkApprove approves every selected item.
func (q *Queue) BulkApprove(ctx context.Context, sel *Selection, moderatorID string) error {
	d := models.Decision{Status: models.StatusApproved, ModeratorID: moderatorID, At: q.now()}
	return q.bulk(ctx, sel, moderatorID, models.NoticeApproved, "", func(ctx context.Context, t models.ContentType, ids []int64) error {
		return q.setStatus(ctx, t, ids, d)
	})
}

// BulkReject rejects every selected item with one reason.
func (q *Queue) BulkReject(ctx context.Context, sel *Selection, moderatorID, reason string) error {
	d := models.Decision{Status: models.StatusRejected, Reason: reason, ModeratorID: moderatorID, At: q.now()}
	return q.bulk(ctx, sel, moderatorID, models.NoticeRejected, reason, func(ctx context.Context, t models.ContentType, ids []int64) error {
		return q.setStatus(ctx, t, ids, d)
	})
}

// BulkDelete deactivates every selected item.
func (q *Queue) BulkDelete(ctx context.Context, sel *Selection, moderatorID string) error {
	return q.bulk(ctx, sel, moderatorID, models.NoticeDeleted, "", q.deactivate)
}

// bulk issues one backend call per content type present in sel. Selected
// keys the queue no longer holds are skipped, like point actions refuse them.
// Both calls run to completion; the queue and sel change only when every call
// succeeded.
func (q *Queue) bulk(ctx context.Context, sel *Selection, moderatorID string, kind models.NoticeKind, text string,
	write func(context.Context, models.ContentType, []int64) error) error {
	keys := sel.Keys()
	if len(keys) == 0 {
		return nil
	}

	// snapshot before writing; the change feed may drop the items meanwhile
	affected := make([]models.QueueItem, 0, len(keys))
	byType := make(map[models.ContentType][]int64)
	for _, k := range keys {
		it, ok := q.Get(k)
		if !ok {
			continue
		}
		affected = append(affected, it)
		byType[k.Type] = append(byType[k.Type], k.ID)
	}
	if len(affected) == 0 {
		sel.Clear()
		return nil
	}

	var g errgroup.Group
	for t, ids := range byType {
		g.Go(func() error {
			if err := write(ctx, t, ids); err != nil {
				return fmt.Errorf("%s %d %s items: %w", kind, len(ids), t, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		q.log.Error("bulk moderation action failed", zap.String("action", string(kind)),
			zap.Int("selected", len(affected)), zap.Error(err))
		return ErrBulkAction
	}

	q.remove(keys)
	sel.Clear()
	q.log.Info("bulk moderation action applied", zap.String("action", string(kind)),
		zap.Int("items", len(affected)), zap.Int("skipped", len(keys)-len(affected)),
		zap.String("moderator", moderatorID))
	q.tell(ctx, affected, moderatorID, kind, text)
	return nil
}

func (q *Queue) setStatus(ctx context.Context, t models.ContentType, ids []int64, d models.Decision) error {
	switch t {
	case models.ContentPost:
		return q.backend.SetPostsStatus(ctx, ids, d)
	case models.ContentComment:
		return q.backend.SetCommentsStatus(ctx, ids, d)
	}
	return fmt.Errorf("unknown content type %q", t)
}

func (q *Queue) deactivate(ctx context.Context, t models.ContentType, ids []int64) error {
	switch t {
	case models.ContentPost:
		return q.backend.DeactivatePosts(ctx, ids)
	case models.ContentComment:
		return q.backend.DeactivateComments(ctx, ids)
	}
	return fmt.Errorf("unknown content type %q", t)
}

// tell notifies authors of an applied decision. A failed notice does not undo it.
func (q *Queue) tell(ctx context.Context, items []models.QueueItem, moderatorID string, kind models.NoticeKind, text string) {
	if q.notifier == nil {
		return
	}
	for _, it := range items {
		if err := q.notifier.Notify(ctx, q.notice(it, moderatorID, kind, text)); err != nil {
			q.log.Warn("author notice not delivered", zap.String("author_id", it.AuthorID),
				zap.String("kind", string(kind)), zap.Error(err))
		}
	}
}

func (q *Queue) notice(it models.QueueItem, moderatorID string, kind models.NoticeKind, text string) models.Notice {
	return models.Notice{
		ID:          uuid.NewString(),
		Kind:        kind,
		RecipientID: it.AuthorID,
		ModeratorID: moderatorID,
		ContentType: it.ContentType,
		ContentID:   it.ID,
		Text:        text,
		CreatedAt:   q.now(),
	}
}

// Apply reconciles the queue with one posts or comments change event. A new
// pending row is put at the head of the queue without re-sorting; a row that
// stops being pending or is hidden or deleted leaves the queue. A pending
// insert whose image came without its text is fetched again.
func (q *Queue) Apply(ctx context.Context, ev feed.Event) error {
	q.syncMu.Lock()
	defer q.syncMu.Unlock()

	var (
		item    models.QueueItem
		pending bool
	)
	switch ev.Table {
	case storage.TablePosts:
		var row storage.PostRow
		if err := json.Unmarshal(image(ev), &row); err != nil {
			return fmt.Errorf("decode posts row: %w", err)
		}
		item = models.PostItem(row.Model())
		pending = row.IsActive && models.ModerationStatus(row.ModerationStatus) == models.StatusPending
	case storage.TableComments:
		var row storage.CommentRow
		if err := json.Unmarshal(image(ev), &row); err != nil {
			return fmt.Errorf("decode comments row: %w", err)
		}
		item = models.CommentItem(row.Model())
		pending = row.IsActive && !row.IsBanned && models.ModerationStatus(row.ModerationStatus) == models.StatusPending
	default:
		return fmt.Errorf("unexpected table %q", ev.Table)
	}

	switch {
	case ev.Type == feed.Insert && pending:
		if !storage.HasText(ev.New) {
			full, err := q.fetch(ctx, item.Key())
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if full.ModerationStatus != models.StatusPending {
				return nil
			}
			item = full
		}
		q.prepend(item)
	case ev.Type == feed.Delete, ev.Type == feed.Update && !pending:
		q.remove([]models.ItemKey{item.Key()})
	}
	return nil
}

func (q *Queue) fetch(ctx context.Context, key models.ItemKey) (models.QueueItem, error) {
	switch key.Type {
	case models.ContentPost:
		p, err := q.backend.GetPost(ctx, key.ID)
		if err != nil {
			return models.QueueItem{}, fmt.Errorf("fetch post %d: %w", key.ID, err)
		}
		return models.PostItem(p), nil
	default:
		c, err := q.backend.GetComment(ctx, key.ID)
		if err != nil {
			return models.QueueItem{}, fmt.Errorf("fetch comment %d: %w", key.ID, err)
		}
		return models.CommentItem(c), nil
	}
}

// Watch loads the queue and applies posts and comments change events until
// ctx ends.
func (q *Queue) Watch(ctx context.Context) error {
	consume, err := q.Attach(ctx)
	if err != nil {
		return err
	}
	return consume()
}

// Attach subscribes to the posts and comments feeds and then loads the queue,
// so nothing committed during the load is missed. The returned function
// consumes both streams until ctx ends.
func (q *Queue) Attach(ctx context.Context) (func() error, error) {
	tables := []string{storage.TablePosts, storage.TableComments}
	subs := make([]*feed.Subscription[feed.Event], 0, len(tables))
	closeAll := func() {
		for _, sub := range subs {
			sub.Close()
		}
	}
	for _, table := range tables {
		sub, err := q.backend.Subscribe(ctx, feed.Filter{Table: table})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("subscribe to %s: %w", table, err)
		}
		subs = append(subs, sub)
	}
	if err := q.Load(ctx); err != nil {
		closeAll()
		return nil, err
	}

	return func() error {
		var g errgroup.Group
		for i, sub := range subs {
			table := tables[i]
			g.Go(func() error {
				defer sub.Close()
				for {
					select {
					case <-ctx.Done():
						return nil
					case ev, ok := <-sub.C:
						if !ok {
							return nil
						}
						if err := q.Apply(ctx, ev); err != nil {
							q.log.Warn("queue change not applied", zap.String("table", table), zap.Error(err))
						}
					}
				}
			})
		}
		return g.Wait()
	}, nil
}

// Subscribe streams queue changes until ctx ends.
func (q *Queue) Subscribe(ctx context.Context) *feed.Subscription[Update] {
	return q.changes.SubscribeContext(ctx, queueTopic, watchBuffer)
}

// Close ends every queue subscription.
func (q *Queue) Close() {
	q.changes.Close()
}

func (q *Queue) prepend(it models.QueueItem) {
	q.mu.Lock()
	for _, existing := range q.items {
		if existing.Key() == it.Key() {
			q.mu.Unlock()
			return
		}
	}
	next := make([]models.QueueItem, 0, len(q.items)+1)
	next = append(next, it)
	q.items = append(next, q.items...)
	n := len(q.items)
	q.mu.Unlock()

	q.publish(Update{Kind: UpdateAdded, Items: []models.QueueItem{it}, Len: n})
}

func (q *Queue) remove(keys []models.ItemKey) {
	drop := make(map[models.ItemKey]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}

	q.mu.Lock()
	next := make([]models.QueueItem, 0, len(q.items))
	var removed []models.ItemKey
	for _, it := range q.items {
		if _, ok := drop[it.Key()]; ok {
			removed = append(removed, it.Key())
			continue
		}
		next = append(next, it)
	}
	q.items = next
	n := len(next)
	q.mu.Unlock()

	if len(removed) > 0 {
		q.publish(Update{Kind: UpdateRemoved, Keys: removed, Len: n})
	}
}

func (q *Queue) setLoading(v bool) {
	q.mu.Lock()
	q.loading = v
	q.mu.Unlock()
}

func (q *Queue) publish(u Update) {
	q.changes.Publish(queueTopic, u)
}

func image(ev feed.Event) json.RawMessage {
	if ev.Type == feed.Delete {
		return ev.Old
	}
	return ev.New
}
