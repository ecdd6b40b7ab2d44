package server

import (
	"context"
	"net/http"
	"time"

	"github.com/ButyrinIA/remy/internal/comments"
	"github.com/ButyrinIA/remy/internal/feed"
	"github.com/ButyrinIA/remy/internal/moderation"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// handleCommentsLive streams a snapshot of the comment tree followed by every
// change applied to it. Changes may repeat what the snapshot already shows;
// clients key comments by id.
func (s *Server) handleCommentsLive(w http.ResponseWriter, r *http.Request) {
	post, err := s.visiblePost(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	release, err := s.bridge.Acquire(ctx, post.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer release()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := s.comments.Watch(ctx, post.ID)
	defer sub.Close()

	tree := s.comments.Comments(post.ID)
	first := comments.Change{
		Kind:     comments.ChangeSnapshot,
		PostID:   post.ID,
		Comments: nonNil(tree),
		Count:    s.comments.CommentCount(post.ID),
	}
	pump(ctx, cancel, conn, first, sub, s.log)
}

// handleQueueLive streams the moderation queue: the current items, then
// every addition and removal.
func (s *Server) handleQueueLive(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := s.queue.Subscribe(ctx)
	defer sub.Close()

	items := s.queue.Items()
	first := moderation.Update{Kind: moderation.UpdateSnapshot, Items: items, Len: len(items)}
	pump(ctx, cancel, conn, first, sub, s.log)
}

// pump writes first and then every value of sub to conn until either side
// goes away. Incoming messages are read and discarded.
func pump[T any](ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, first any, sub *feed.Subscription[T], log *zap.Logger) {
	go func() {
		defer cancel()
		conn.SetReadLimit(4096)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeMessage(conn, first); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case v, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeMessage(conn, v); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func writeMessage(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}
