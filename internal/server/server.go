package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ButyrinIA/remy/internal/authors"
	"github.com/ButyrinIA/remy/internal/comments"
	"github.com/ButyrinIA/remy/internal/config"
	"github.com/ButyrinIA/remy/internal/models"
	"github.com/ButyrinIA/remy/internal/moderation"
	"github.com/ButyrinIA/remy/internal/notify"
	"github.com/ButyrinIA/remy/internal/realtime"
	"github.com/ButyrinIA/remy/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/microcosm-cc/bluemonday"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Inbox lists the notices stored for a user.
type Inbox interface {
	Inbox(ctx context.Context, userID string) ([]models.Notice, error)
}

// Option configures a Server.
type Option func(*Server)

// WithNotifier sets where author notices go. The default logs them.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Server) { s.notifier = n }
}

// WithInbox serves GET /me/notices from i.
func WithInbox(i Inbox) Option {
	return func(s *Server) { s.inbox = i }
}

// WithScreener holds new content matching the word list for review.
func WithScreener(sc *moderation.Screener) Option {
	return func(s *Server) { s.screener = sc }
}

type Server struct {
	cfg     *config.Config
	storage storage.Storage
	log     *zap.Logger

	comments *comments.Store
	bridge   *realtime.Bridge
	queue    *moderation.Queue
	authors  *authors.Loader
	notifier notify.Notifier
	inbox    Inbox
	screener *moderation.Screener

	validate *validator.Validate
	policy   *bluemonday.Policy
	upgrader websocket.Upgrader
	limiter  *writeLimiter
	handler  http.Handler

	closeOnce sync.Once
}

// New wires the comment store, the real-time bridge and the moderation queue
// on top of store and builds the HTTP handler.
func New(cfg *config.Config, store storage.Storage, log *zap.Logger, opts ...Option) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		storage:  store,
		log:      log,
		validate: validator.New(),
		policy:   bluemonday.UGCPolicy(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = notify.NewLogNotifier(log)
	}

	s.authors = authors.NewLoader(store, cfg.Cache.AuthorTTL, cfg.Cache.BatchWait)
	s.comments = comments.New(store, log.Named("comments"))
	s.bridge = realtime.New(s.comments, store, s.authors, log.Named("realtime"))
	s.queue = moderation.New(store, s.notifier, log.Named("moderation"))
	if cfg.Server.Limiter.Enabled {
		s.limiter = newWriteLimiter(cfg.Server.Limiter.RPS, cfg.Server.Limiter.Burst)
	}
	s.handler = s.routes()
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.authenticate)

	r.Get("/token", s.handleToken)

	r.Route("/posts", func(r chi.Router) {
		r.Get("/", s.handleListPosts)
		r.With(s.requireUser, s.limitWrites).Post("/", s.handleCreatePost)
		r.Route("/{postID}", func(r chi.Router) {
			r.Get("/", s.handleGetPost)
			r.Get("/comments", s.handleListComments)
			r.Get("/comments/live", s.handleCommentsLive)
			r.Group(func(r chi.Router) {
				r.Use(s.requireUser)
				r.Use(s.limitWrites)
				r.Post("/comments", s.handleCreateComment)
				r.Patch("/comments/{commentID}", s.handleEditComment)
				r.Delete("/comments/{commentID}", s.handleDeleteComment)
			})
		})
	})

	r.With(s.requireUser).Get("/me/notices", s.handleNotices)

	r.Route("/moderation", func(r chi.Router) {
		r.Use(s.requireModerator)
		r.Get("/queue", s.handleQueue)
		r.Get("/live", s.handleQueueLive)
		r.Post("/bulk/{action}", s.handleBulk)
		r.Post("/{contentType}/{id}/{action}", s.handleAction)
	})
	return r
}

// Run loads the moderation queue, keeps it in sync with the change feed and
// serves HTTP until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()

	consume, err := s.queue.Attach(watchCtx)
	if err != nil {
		return fmt.Errorf("initial queue load: %w", err)
	}
	go func() {
		if err := consume(); err != nil {
			s.log.Error("moderation feed stopped", zap.Error(err))
		}
	}()
	if s.screener != nil && s.cfg.Moderation.WordsFile != "" {
		go func() {
			if err := s.screener.Watch(watchCtx, s.cfg.Moderation.WordsFile, s.log.Named("screener")); err != nil {
				s.log.Warn("word list is not watched", zap.Error(err))
			}
		}()
	}

	resync, err := s.scheduleResync(watchCtx)
	if err != nil {
		return err
	}
	if resync != nil {
		resync.Start()
		defer resync.Stop()
	}

	srv := &http.Server{
		Addr:              ":" + s.cfg.Server.Port,
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.Server.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// scheduleResync reloads the moderation queue on the configured cron
// schedule, covering change events a slow subscriber missed. It returns nil
// when no schedule is set.
func (s *Server) scheduleResync(ctx context.Context) (*cron.Cron, error) {
	schedule := s.cfg.Moderation.ResyncSchedule
	if schedule == "" {
		return nil, nil
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if err := s.queue.Load(ctx); err != nil {
			s.log.Warn("moderation queue resync failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("moderation resync schedule %q: %w", schedule, err)
	}
	return c, nil
}

// Close stops the live feeds and background caches.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.bridge.Close()
		s.queue.Close()
		s.authors.Close()
		if s.limiter != nil {
			s.limiter.stop()
		}
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Duration("cost", time.Since(start)))
	})
}
