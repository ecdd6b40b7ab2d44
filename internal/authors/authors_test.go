package authors

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ButyrinIA/remy/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	mu      sync.Mutex
	authors map[string]*models.Author
	batches [][]string
	err     error
}

func (s *countingSource) GetAuthors(_ context.Context, ids []string) (map[string]*models.Author, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := append([]string(nil), ids...)
	sort.Strings(batch)
	s.batches = append(s.batches, batch)
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]*models.Author, len(ids))
	for _, id := range ids {
		if a, ok := s.authors[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

func (s *countingSource) calls() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.batches...)
}

func newSource() *countingSource {
	return &countingSource{authors: map[string]*models.Author{
		"alice": {ID: "alice", Username: "Alice"},
		"bob":   {ID: "bob", Username: "Bob"},
	}}
}

func TestLoader(t *testing.T) {
	ctx := context.Background()

	t.Run("concurrent lookups share one batch", func(t *testing.T) {
		src := newSource()
		l := NewLoader(src, time.Minute, 20*time.Millisecond)
		defer l.Close()

		var wg sync.WaitGroup
		got := make([]*models.Author, 2)
		for i, id := range []string{"alice", "bob"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				a, err := l.Load(ctx, id)
				assert.NoError(t, err)
				got[i] = a
			}()
		}
		wg.Wait()

		assert.Equal(t, "Alice", got[0].Username)
		assert.Equal(t, "Bob", got[1].Username)
		assert.Equal(t, [][]string{{"alice", "bob"}}, src.calls())
	})

	t.Run("results are cached", func(t *testing.T) {
		src := newSource()
		l := NewLoader(src, time.Minute, time.Millisecond)
		defer l.Close()

		_, err := l.Load(ctx, "alice")
		require.NoError(t, err)
		a, err := l.Load(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "Alice", a.Username)
		assert.Len(t, src.calls(), 1)

		l.Forget(ctx, "alice")
		_, err = l.Load(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, src.calls(), 2)
	})

	t.Run("unknown author is nil", func(t *testing.T) {
		l := NewLoader(newSource(), time.Minute, time.Millisecond)
		defer l.Close()

		a, err := l.Load(ctx, "nobody")
		require.NoError(t, err)
		assert.Nil(t, a)
	})

	t.Run("failures are not cached", func(t *testing.T) {
		src := newSource()
		src.err = errors.New("db down")
		l := NewLoader(src, time.Minute, time.Millisecond)
		defer l.Close()

		_, err := l.Load(ctx, "alice")
		assert.Error(t, err)

		src.mu.Lock()
		src.err = nil
		src.mu.Unlock()
		a, err := l.Load(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "Alice", a.Username)
	})
}
