package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ButyrinIA/remy/internal/feed"
	"github.com/ButyrinIA/remy/internal/models"
	"github.com/ButyrinIA/remy/internal/storage"
	"github.com/ButyrinIA/remy/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) ListPendingPosts(ctx context.Context) ([]*models.Post, error) {
	args := m.Called(ctx)
	out, _ := args.Get(0).([]*models.Post)
	return out, args.Error(1)
}

func (m *mockBackend) ListPendingComments(ctx context.Context) ([]*models.Comment, error) {
	args := m.Called(ctx)
	out, _ := args.Get(0).([]*models.Comment)
	return out, args.Error(1)
}

func (m *mockBackend) GetPost(ctx context.Context, id int64) (*models.Post, error) {
	args := m.Called(ctx, id)
	out, _ := args.Get(0).(*models.Post)
	return out, args.Error(1)
}

func (m *mockBackend) GetComment(ctx context.Context, id int64) (*models.Comment, error) {
	args := m.Called(ctx, id)
	out, _ := args.Get(0).(*models.Comment)
	return out, args.Error(1)
}

func (m *mockBackend) SetPostsStatus(ctx context.Context, ids []int64, d models.Decision) error {
	return m.Called(ctx, ids, d).Error(0)
}

func (m *mockBackend) SetCommentsStatus(ctx context.Context, ids []int64, d models.Decision) error {
	return m.Called(ctx, ids, d).Error(0)
}

func (m *mockBackend) DeactivatePosts(ctx context.Context, ids []int64) error {
	return m.Called(ctx, ids).Error(0)
}

func (m *mockBackend) DeactivateComments(ctx context.Context, ids []int64) error {
	return m.Called(ctx, ids).Error(0)
}

func (m *mockBackend) Subscribe(ctx context.Context, f feed.Filter) (*feed.Subscription[feed.Event], error) {
	args := m.Called(ctx, f)
	sub, _ := args.Get(0).(*feed.Subscription[feed.Event])
	return sub, args.Error(1)
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []models.Notice
	err     error
}

func (r *recordingNotifier) Notify(_ context.Context, n models.Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return r.err
}

func (r *recordingNotifier) sent() []models.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Notice(nil), r.notices...)
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func pendingPost(id int64, minutes int) *models.Post {
	return &models.Post{ID: id, Title: "t", Content: "p", AuthorID: "author", IsActive: true,
		ModerationStatus: models.StatusPending, CreatedAt: base.Add(time.Duration(minutes) * time.Minute)}
}

func pendingComment(id int64, minutes int) *models.Comment {
	return &models.Comment{ID: id, PostID: 1, Content: "c", AuthorID: "author", IsActive: true,
		ModerationStatus: models.StatusPending, CreatedAt: base.Add(time.Duration(minutes) * time.Minute)}
}

func loadedQueue(t *testing.T, posts []*models.Post, comments []*models.Comment) (*Queue, *mockBackend, *recordingNotifier) {
	t.Helper()
	backend := &mockBackend{}
	backend.On("ListPendingPosts", mock.Anything).Return(posts, nil).Once()
	backend.On("ListPendingComments", mock.Anything).Return(comments, nil).Once()
	n := &recordingNotifier{}
	q := New(backend, n, nil)
	q.now = func() time.Time { return base }
	require.NoError(t, q.Load(context.Background()))
	return q, backend, n
}

func keys(items []models.QueueItem) []models.ItemKey {
	out := make([]models.ItemKey, 0, len(items))
	for _, it := range items {
		out = append(out, it.Key())
	}
	return out
}

func postKey(id int64) models.ItemKey    { return models.ItemKey{Type: models.ContentPost, ID: id} }
func commentKey(id int64) models.ItemKey { return models.ItemKey{Type: models.ContentComment, ID: id} }

func TestLoad(t *testing.T) {
	t.Run("merges both types oldest first", func(t *testing.T) {
		q, _, _ := loadedQueue(t,
			[]*models.Post{pendingPost(1, 3), pendingPost(2, 1)},
			[]*models.Comment{pendingComment(7, 2)})

		assert.Equal(t, []models.ItemKey{postKey(2), commentKey(7), postKey(1)}, keys(q.Items()))
		assert.False(t, q.Loading())
	})

	t.Run("failure is returned", func(t *testing.T) {
		backend := &mockBackend{}
		backend.On("ListPendingPosts", mock.Anything).Return(nil, errors.New("down"))
		backend.On("ListPendingComments", mock.Anything).Return(nil, nil)
		q := New(backend, nil, nil)

		assert.Error(t, q.Load(context.Background()))
		assert.Equal(t, 0, q.Len())
	})
}

func TestPointActions(t *testing.T) {
	ctx := context.Background()

	t.Run("approve removes the item after the backend succeeds", func(t *testing.T) {
		q, backend, n := loadedQueue(t, []*models.Post{pendingPost(5, 0)}, nil)
		backend.On("SetPostsStatus", mock.Anything, []int64{5}, models.Decision{
			Status: models.StatusApproved, ModeratorID: "mod", At: base,
		}).Return(nil).Once()

		require.NoError(t, q.Approve(ctx, postKey(5), "mod"))
		assert.Equal(t, 0, q.Len())
		backend.AssertExpectations(t)

		sent := n.sent()
		require.Len(t, sent, 1)
		assert.Equal(t, models.NoticeApproved, sent[0].Kind)
		assert.Equal(t, "author", sent[0].RecipientID)
	})

	t.Run("failed write keeps the item", func(t *testing.T) {
		q, backend, n := loadedQueue(t, nil, []*models.Comment{pendingComment(3, 0)})
		backend.On("SetCommentsStatus", mock.Anything, []int64{3}, mock.Anything).Return(errors.New("down")).Once()

		assert.Error(t, q.Reject(ctx, commentKey(3), "mod", "spam"))
		assert.Equal(t, 1, q.Len())
		assert.Empty(t, n.sent())
	})

	t.Run("reject carries the reason", func(t *testing.T) {
		q, backend, n := loadedQueue(t, nil, []*models.Comment{pendingComment(3, 0)})
		backend.On("SetCommentsStatus", mock.Anything, []int64{3}, mock.MatchedBy(func(d models.Decision) bool {
			return d.Status == models.StatusRejected && d.Reason == "spam"
		})).Return(nil).Once()

		require.NoError(t, q.Reject(ctx, commentKey(3), "mod", "spam"))
		assert.Equal(t, 0, q.Len())
		assert.Equal(t, "spam", n.sent()[0].Text)
	})

	t.Run("delete deactivates", func(t *testing.T) {
		q, backend, _ := loadedQueue(t, []*models.Post{pendingPost(5, 0)}, nil)
		backend.On("DeactivatePosts", mock.Anything, []int64{5}).Return(nil).Once()

		require.NoError(t, q.Delete(ctx, postKey(5), "mod"))
		assert.Equal(t, 0, q.Len())
	})

	t.Run("notice failure does not undo the decision", func(t *testing.T) {
		q, backend, n := loadedQueue(t, []*models.Post{pendingPost(5, 0)}, nil)
		n.err = errors.New("broker down")
		backend.On("SetPostsStatus", mock.Anything, []int64{5}, mock.Anything).Return(nil).Once()

		require.NoError(t, q.Approve(ctx, postKey(5), "mod"))
		assert.Equal(t, 0, q.Len())
	})

	t.Run("message keeps the item and reports delivery errors", func(t *testing.T) {
		q, _, n := loadedQueue(t, []*models.Post{pendingPost(5, 0)}, nil)

		require.NoError(t, q.Message(ctx, postKey(5), "mod", "please fix the title"))
		assert.Equal(t, 1, q.Len())
		assert.Equal(t, models.NoticeMessage, n.sent()[0].Kind)

		n.err = errors.New("broker down")
		assert.Error(t, q.Message(ctx, postKey(5), "mod", "again"))
	})

	t.Run("unknown item", func(t *testing.T) {
		q, _, _ := loadedQueue(t, nil, nil)
		assert.ErrorIs(t, q.Approve(ctx, postKey(1), "mod"), ErrNotQueued)
		assert.ErrorIs(t, q.Message(ctx, postKey(1), "mod", "x"), ErrNotQueued)
	})
}

func TestBulkActions(t *testing.T) {
	ctx := context.Background()

	t.Run("one call per type", func(t *testing.T) {
		q, backend, n := loadedQueue(t,
			[]*models.Post{pendingPost(1, 0), pendingPost(2, 1)},
			[]*models.Comment{pendingComment(3, 2), pendingComment(4, 3)})
		backend.On("SetPostsStatus", mock.Anything, []int64{1, 2}, mock.Anything).Return(nil).Once()
		backend.On("SetCommentsStatus", mock.Anything, []int64{3}, mock.Anything).Return(nil).Once()

		sel := NewSelection(postKey(2), commentKey(3), postKey(1))
		require.NoError(t, q.BulkApprove(ctx, sel, "mod"))

		assert.Equal(t, []models.ItemKey{commentKey(4)}, keys(q.Items()))
		assert.Equal(t, 0, sel.Len())
		assert.Len(t, n.sent(), 3)
		backend.AssertExpectations(t)
	})

	t.Run("partial failure leaves queue and selection unchanged", func(t *testing.T) {
		q, backend, n := loadedQueue(t,
			[]*models.Post{pendingPost(1, 0)},
			[]*models.Comment{pendingComment(3, 1)})
		backend.On("DeactivatePosts", mock.Anything, []int64{1}).Return(nil).Once()
		backend.On("DeactivateComments", mock.Anything, []int64{3}).Return(errors.New("timeout")).Once()

		sel := NewSelection(postKey(1), commentKey(3))
		err := q.BulkDelete(ctx, sel, "mod")

		assert.ErrorIs(t, err, ErrBulkAction)
		assert.Equal(t, "bulk moderation action failed", err.Error())
		assert.Equal(t, 2, q.Len())
		assert.Equal(t, 2, sel.Len())
		assert.Empty(t, n.sent())
		backend.AssertExpectations(t)
	})

	t.Run("single type selection", func(t *testing.T) {
		q, backend, _ := loadedQueue(t, nil, []*models.Comment{pendingComment(3, 0), pendingComment(4, 1)})
		backend.On("SetCommentsStatus", mock.Anything, []int64{3, 4}, mock.MatchedBy(func(d models.Decision) bool {
			return d.Reason == "off topic"
		})).Return(nil).Once()

		require.NoError(t, q.BulkReject(ctx, NewSelection(commentKey(3), commentKey(4)), "mod", "off topic"))
		assert.Equal(t, 0, q.Len())
		backend.AssertNotCalled(t, "SetPostsStatus", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("keys no longer queued are skipped", func(t *testing.T) {
		q, backend, n := loadedQueue(t, []*models.Post{pendingPost(1, 0)}, nil)
		backend.On("SetPostsStatus", mock.Anything, []int64{1}, mock.Anything).Return(nil).Once()

		sel := NewSelection(postKey(1), postKey(2), commentKey(8))
		require.NoError(t, q.BulkApprove(ctx, sel, "mod"))

		assert.Equal(t, 0, q.Len())
		assert.Equal(t, 0, sel.Len())
		assert.Len(t, n.sent(), 1)
		backend.AssertNotCalled(t, "SetCommentsStatus", mock.Anything, mock.Anything, mock.Anything)
		backend.AssertExpectations(t)
	})

	t.Run("selection of unqueued keys only makes no call", func(t *testing.T) {
		q, backend, n := loadedQueue(t, nil, nil)

		sel := NewSelection(postKey(2))
		require.NoError(t, q.BulkApprove(ctx, sel, "mod"))
		assert.Equal(t, 0, sel.Len())
		assert.Empty(t, n.sent())
		backend.AssertNotCalled(t, "SetPostsStatus", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("authors are notified when the feed removes items first", func(t *testing.T) {
		q, backend, n := loadedQueue(t, []*models.Post{pendingPost(1, 0)}, []*models.Comment{pendingComment(3, 1)})
		approved := pendingPost(1, 0)
		approved.ModerationStatus = models.StatusApproved
		ev := postEvent(t, feed.Update, approved)
		backend.On("SetPostsStatus", mock.Anything, []int64{1}, mock.Anything).Return(nil).Once().
			Run(func(mock.Arguments) {
				assert.NoError(t, q.Apply(ctx, ev))
			})
		backend.On("SetCommentsStatus", mock.Anything, []int64{3}, mock.Anything).Return(nil).Once()

		require.NoError(t, q.BulkApprove(ctx, NewSelection(postKey(1), commentKey(3)), "mod"))
		assert.Equal(t, 0, q.Len())

		sent := n.sent()
		require.Len(t, sent, 2)
		ids := []int64{sent[0].ContentID, sent[1].ContentID}
		assert.ElementsMatch(t, []int64{1, 3}, ids)
	})

	t.Run("empty selection does nothing", func(t *testing.T) {
		q, _, _ := loadedQueue(t, []*models.Post{pendingPost(1, 0)}, nil)
		assert.NoError(t, q.BulkApprove(ctx, NewSelection(), "mod"))
		assert.Equal(t, 1, q.Len())
	})
}

func postEvent(t *testing.T, typ feed.EventType, p *models.Post) feed.Event {
	t.Helper()
	row := storage.PostRowOf(p)
	var (
		ev  feed.Event
		err error
	)
	if typ == feed.Delete {
		ev, err = storage.PostEvent(typ, &row, nil)
	} else {
		ev, err = storage.PostEvent(typ, nil, &row)
	}
	require.NoError(t, err)
	return ev
}

func TestApply(t *testing.T) {
	ctx := context.Background()

	t.Run("pending insert is prepended", func(t *testing.T) {
		q, _, _ := loadedQueue(t, []*models.Post{pendingPost(1, 0)}, nil)

		require.NoError(t, q.Apply(ctx, postEvent(t, feed.Insert, pendingPost(9, -60))))
		assert.Equal(t, []models.ItemKey{postKey(9), postKey(1)}, keys(q.Items()), "no re-sort")
	})

	t.Run("approved insert is ignored", func(t *testing.T) {
		q, _, _ := loadedQueue(t, nil, nil)
		p := pendingPost(9, 0)
		p.ModerationStatus = models.StatusApproved

		require.NoError(t, q.Apply(ctx, postEvent(t, feed.Insert, p)))
		assert.Equal(t, 0, q.Len())
	})

	t.Run("update away from pending filters the item out", func(t *testing.T) {
		q, _, _ := loadedQueue(t, []*models.Post{pendingPost(5, 0)}, nil)
		p := pendingPost(5, 0)
		p.ModerationStatus = models.StatusApproved

		require.NoError(t, q.Apply(ctx, postEvent(t, feed.Update, p)))
		assert.Equal(t, 0, q.Len())
	})

	t.Run("banned comment is filtered out", func(t *testing.T) {
		q, _, _ := loadedQueue(t, nil, []*models.Comment{pendingComment(3, 0)})
		c := pendingComment(3, 0)
		c.IsBanned = true
		row := storage.CommentRowOf(c)
		ev, err := storage.CommentEvent(feed.Update, nil, &row)
		require.NoError(t, err)

		require.NoError(t, q.Apply(ctx, ev))
		assert.Equal(t, 0, q.Len())
	})

	t.Run("delete filters the item out", func(t *testing.T) {
		q, _, _ := loadedQueue(t, []*models.Post{pendingPost(5, 0)}, nil)
		require.NoError(t, q.Apply(ctx, postEvent(t, feed.Delete, pendingPost(5, 0))))
		assert.Equal(t, 0, q.Len())
	})

	t.Run("duplicate insert is ignored", func(t *testing.T) {
		q, _, _ := loadedQueue(t, []*models.Post{pendingPost(5, 0)}, nil)
		require.NoError(t, q.Apply(ctx, postEvent(t, feed.Insert, pendingPost(5, 0))))
		assert.Equal(t, 1, q.Len())
	})

	t.Run("insert without text is fetched", func(t *testing.T) {
		q, backend, _ := loadedQueue(t, nil, nil)
		stored := pendingComment(4, 0)
		stored.Content = strings.Repeat("ж", 2000)
		backend.On("GetComment", mock.Anything, int64(4)).Return(stored, nil).Once()

		image, _ := json.Marshal(map[string]any{"id": 4, "post_id": 1, "user_id": "author",
			"is_active": true, "moderation_status": "pending"})
		require.NoError(t, q.Apply(ctx, feed.Event{Table: storage.TableComments, Type: feed.Insert, New: image}))

		items := q.Items()
		require.Len(t, items, 1)
		assert.Equal(t, stored.Content, items[0].Content)
		backend.AssertExpectations(t)
	})

	t.Run("insert without text of a vanished row is ignored", func(t *testing.T) {
		q, backend, _ := loadedQueue(t, nil, nil)
		backend.On("GetPost", mock.Anything, int64(4)).Return(nil, storage.ErrNotFound).Once()

		image, _ := json.Marshal(map[string]any{"id": 4, "is_active": true, "moderation_status": "pending"})
		require.NoError(t, q.Apply(ctx, feed.Event{Table: storage.TablePosts, Type: feed.Insert, New: image}))
		assert.Equal(t, 0, q.Len())
	})

	t.Run("removal during a reload is not undone", func(t *testing.T) {
		backend := &mockBackend{}
		listing := make(chan struct{})
		proceed := make(chan struct{})
		backend.On("ListPendingPosts", mock.Anything).Return([]*models.Post{pendingPost(5, 0)}, nil).Once().
			Run(func(mock.Arguments) {
				close(listing)
				<-proceed
			})
		backend.On("ListPendingComments", mock.Anything).Return(nil, nil).Once()
		q := New(backend, nil, nil)

		loaded := make(chan error, 1)
		go func() { loaded <- q.Load(ctx) }()
		<-listing

		approved := pendingPost(5, 0)
		approved.ModerationStatus = models.StatusApproved
		ev := postEvent(t, feed.Update, approved)
		applied := make(chan error, 1)
		go func() { applied <- q.Apply(ctx, ev) }()
		time.Sleep(20 * time.Millisecond)

		close(proceed)
		require.NoError(t, <-loaded)
		require.NoError(t, <-applied)
		assert.Equal(t, 0, q.Len())
	})

	t.Run("unknown table", func(t *testing.T) {
		q, _, _ := loadedQueue(t, nil, nil)
		assert.Error(t, q.Apply(ctx, feed.Event{Table: "users", Type: feed.Insert, New: json.RawMessage(`{}`)}))
	})
}

// signallingBackend reports every change feed subscription.
type signallingBackend struct {
	*memory.MemoryStorage
	subscribed chan struct{}
}

func (b *signallingBackend) Subscribe(ctx context.Context, f feed.Filter) (*feed.Subscription[feed.Event], error) {
	sub, err := b.MemoryStorage.Subscribe(ctx, f)
	b.subscribed <- struct{}{}
	return sub, err
}

// racingBackend commits a pending post right after the first pending-post
// listing has been read.
type racingBackend struct {
	*memory.MemoryStorage
	once sync.Once
}

func (b *racingBackend) ListPendingPosts(ctx context.Context) ([]*models.Post, error) {
	posts, err := b.MemoryStorage.ListPendingPosts(ctx)
	b.once.Do(func() {
		err = errors.Join(err, b.CreatePost(ctx, &models.Post{Title: "late", AuthorID: "a", ModerationStatus: models.StatusPending}))
	})
	return posts, err
}

func TestWatchKeepsRowsCommittedDuringLoad(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db := &racingBackend{MemoryStorage: memory.New(nil)}
	defer db.Close()
	q := New(db, nil, nil)

	consume, err := q.Attach(ctx)
	require.NoError(t, err)
	go consume()

	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "late", q.Items()[0].Title)
}

func TestWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db := &signallingBackend{MemoryStorage: memory.New(nil), subscribed: make(chan struct{}, 2)}
	defer db.Close()
	q := New(db, &recordingNotifier{}, nil)

	updates := q.Subscribe(ctx)
	done := make(chan error, 1)
	go func() { done <- q.Watch(ctx) }()
	for range 2 {
		select {
		case <-db.subscribed:
		case <-time.After(time.Second):
			t.Fatal("watch did not subscribe")
		}
	}

	post := &models.Post{Title: "held", AuthorID: "a", ModerationStatus: models.StatusPending}
	require.NoError(t, db.CreatePost(ctx, post))
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, 5*time.Millisecond)

	c, err := db.CreateComment(ctx, models.NewComment{PostID: post.ID, Content: "held", AuthorID: "b", ModerationStatus: models.StatusPending})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return q.Len() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, db.SetCommentsStatus(ctx, []int64{c.ID}, models.Decision{Status: models.StatusApproved, ModeratorID: "m"}))
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []models.ItemKey{postKey(post.ID)}, keys(q.Items()))

	for kind := UpdateSnapshot; kind == UpdateSnapshot; {
		select {
		case u := <-updates.C:
			kind = u.Kind
		case <-time.After(time.Second):
			t.Fatal("no queue update")
		}
		if kind != UpdateSnapshot {
			assert.Equal(t, UpdateAdded, kind)
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}
