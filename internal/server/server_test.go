package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ButyrinIA/remy/internal/config"
	"github.com/ButyrinIA/remy/internal/models"
	"github.com/ButyrinIA/remy/internal/moderation"
	"github.com/ButyrinIA/remy/internal/storage/memory"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.Port = "8080"
	cfg.Storage.Type = "memory"
	cfg.Auth.Secret = "your-secret-key"
	cfg.Auth.TokenTTL = time.Hour
	cfg.Cache.AuthorTTL = time.Minute
	cfg.Cache.BatchWait = time.Millisecond
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, opts ...Option) (*Server, *memory.MemoryStorage) {
	t.Helper()
	db := memory.New(nil)
	s := New(cfg, db, nil, opts...)
	t.Cleanup(func() {
		s.Close()
		db.Close()
	})
	return s, db
}

func (s *Server) tokenFor(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := s.generateToken(userID, role)
	require.NoError(t, err)
	return token
}

func do(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
		reader = &buf
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v))
	return v
}

func TestNewServer(t *testing.T) {
	cfg := testConfig()
	server, _ := newTestServer(t, cfg)

	assert.NotNil(t, server)
	assert.Equal(t, cfg, server.cfg)
	assert.NotNil(t, server.handler)
	assert.NotNil(t, server.queue)
	assert.NotNil(t, server.bridge)
}

func TestGenerateToken(t *testing.T) {
	server, _ := newTestServer(t, testConfig())
	token, err := server.generateToken("user1", RoleModerator)
	assert.NoError(t, err)
	assert.NotEmpty(t, token)

	parsedToken, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
		return []byte("your-secret-key"), nil
	})
	assert.NoError(t, err)
	assert.True(t, parsedToken.Valid)

	claims, ok := parsedToken.Claims.(jwt.MapClaims)
	assert.True(t, ok)
	assert.Equal(t, "user1", claims["user_id"])
	assert.Equal(t, "moderator", claims["role"])
}

func TestValidateJWT(t *testing.T) {
	server, _ := newTestServer(t, testConfig())
	token, err := server.generateToken("user1", RoleUser)
	assert.NoError(t, err)

	claims, err := server.validateJWT(token)
	assert.NoError(t, err)
	assert.Equal(t, "user1", claims.UserID)
	assert.False(t, claims.Moderator())
}

func TestValidateJWT_Invalid(t *testing.T) {
	server, _ := newTestServer(t, testConfig())
	_, err := server.validateJWT("")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "empty token")

	_, err = server.validateJWT("invalid-token")
	assert.Error(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "user1",
		"exp":     time.Now().Add(time.Hour * 24).Unix(),
	})
	wrongKeyToken, _ := token.SignedString([]byte("wrong-key"))
	_, err = server.validateJWT(wrongKeyToken)
	assert.Error(t, err)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "user1",
		"exp":     time.Now().Add(-time.Hour).Unix(),
	})
	expiredToken, _ := expired.SignedString([]byte("your-secret-key"))
	_, err = server.validateJWT(expiredToken)
	assert.Error(t, err)
}

func TestTokenHandler(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.DevTokens = true
	server, _ := newTestServer(t, cfg)

	userID := uuid.NewString()
	rr := do(t, server, http.MethodGet, "/token?user="+userID+"&role=moderator", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	response := decodeBody[map[string]string](t, rr)
	assert.Equal(t, userID, response["userId"])

	claims, err := server.validateJWT(response["token"])
	require.NoError(t, err)
	assert.True(t, claims.Moderator())

	rr = do(t, server, http.MethodGet, "/token", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, decodeBody[map[string]string](t, rr)["userId"])

	rr = do(t, server, http.MethodGet, "/token?user=not-a-uuid", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = do(t, server, http.MethodGet, "/token?role=admin", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestTokenHandlerRefusesModeratorByDefault(t *testing.T) {
	server, _ := newTestServer(t, testConfig())

	rr := do(t, server, http.MethodGet, "/token?role=moderator", "", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.NotContains(t, rr.Body.String(), "token\":")

	rr = do(t, server, http.MethodGet, "/token?role=user", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	claims, err := server.validateJWT(decodeBody[map[string]string](t, rr)["token"])
	require.NoError(t, err)
	assert.False(t, claims.Moderator())
}

func TestPostsAndComments(t *testing.T) {
	server, db := newTestServer(t, testConfig())
	db.AddAuthor(models.Author{ID: "alice", Username: "Alice"})
	alice := server.tokenFor(t, "alice", RoleUser)
	bob := server.tokenFor(t, "bob", RoleUser)

	rr := do(t, server, http.MethodPost, "/posts", "", map[string]any{"title": "t", "content": "c"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, server, http.MethodPost, "/posts", alice, map[string]any{"title": "Hello", "content": "<b>hi</b><script>x</script>"})
	require.Equal(t, http.StatusCreated, rr.Code)
	post := decodeBody[models.Post](t, rr)
	assert.True(t, post.AllowComments)
	assert.Equal(t, models.StatusApproved, post.ModerationStatus)
	assert.NotContains(t, post.Content, "script")

	rr = do(t, server, http.MethodPost, "/posts", alice, map[string]any{"title": "", "content": "c"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, server, http.MethodGet, "/posts", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, decodeBody[models.PaginatedPosts](t, rr).TotalCount)

	base := "/posts/" + itoa(post.ID) + "/comments"
	rr = do(t, server, http.MethodPost, base, alice, map[string]any{"content": "first"})
	require.Equal(t, http.StatusCreated, rr.Code)
	first := decodeBody[models.Comment](t, rr)

	rr = do(t, server, http.MethodPost, base, bob, map[string]any{"content": "reply", "parentCommentId": first.ID})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = do(t, server, http.MethodPost, base, bob, map[string]any{"content": "orphan", "parentCommentId": 999})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, server, http.MethodGet, base, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decodeBody[commentsResponse](t, rr)
	assert.Equal(t, 2, list.Count)
	require.Len(t, list.Comments, 1)
	require.Len(t, list.Comments[0].Replies, 1)
	assert.Equal(t, "reply", list.Comments[0].Replies[0].Content)
	require.NotNil(t, list.Comments[0].Author)
	assert.Equal(t, "Alice", list.Comments[0].Author.Username)
	assert.False(t, server.bridge.Watching(post.ID), "request-scoped load is released")

	commentPath := base + "/" + itoa(first.ID)
	rr = do(t, server, http.MethodPatch, commentPath, bob, map[string]any{"content": "hijack"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = do(t, server, http.MethodDelete, commentPath, bob, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, server, http.MethodPatch, commentPath, alice, map[string]any{"content": "edited"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "edited", decodeBody[models.Comment](t, rr).Content)

	rr = do(t, server, http.MethodDelete, commentPath, alice, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = do(t, server, http.MethodDelete, commentPath, alice, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, server, http.MethodGet, base, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 0, decodeBody[commentsResponse](t, rr).Count, "replies go with their deleted parent")
}

func TestCommentsDisabled(t *testing.T) {
	server, _ := newTestServer(t, testConfig())
	alice := server.tokenFor(t, "alice", RoleUser)

	rr := do(t, server, http.MethodPost, "/posts", alice, map[string]any{"title": "Quiet", "content": "c", "allowComments": false})
	require.Equal(t, http.StatusCreated, rr.Code)
	post := decodeBody[models.Post](t, rr)

	rr = do(t, server, http.MethodPost, "/posts/"+itoa(post.ID)+"/comments", alice, map[string]any{"content": "hi"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestModerationFlow(t *testing.T) {
	cfg := testConfig()
	cfg.Moderation.PremoderatePosts = true
	inbox := &memoryInbox{}
	server, _ := newTestServer(t, cfg,
		WithNotifier(inbox),
		WithInbox(inbox),
		WithScreener(moderation.NewScreener("casino")))
	alice := server.tokenFor(t, "alice", RoleUser)
	bob := server.tokenFor(t, "bob", RoleUser)
	mod := server.tokenFor(t, "mod", RoleModerator)

	rr := do(t, server, http.MethodPost, "/posts", alice, map[string]any{"title": "Held", "content": "c"})
	require.Equal(t, http.StatusCreated, rr.Code)
	post := decodeBody[models.Post](t, rr)
	assert.Equal(t, models.StatusPending, post.ModerationStatus)

	postPath := "/posts/" + itoa(post.ID)
	assert.Equal(t, http.StatusNotFound, do(t, server, http.MethodGet, postPath, "", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, server, http.MethodGet, postPath, bob, nil).Code)
	assert.Equal(t, http.StatusOK, do(t, server, http.MethodGet, postPath, alice, nil).Code)
	assert.Equal(t, http.StatusOK, do(t, server, http.MethodGet, postPath, mod, nil).Code)

	require.NoError(t, server.queue.Load(context.Background()))

	assert.Equal(t, http.StatusUnauthorized, do(t, server, http.MethodGet, "/moderation/queue", "", nil).Code)
	assert.Equal(t, http.StatusForbidden, do(t, server, http.MethodGet, "/moderation/queue", bob, nil).Code)

	rr = do(t, server, http.MethodGet, "/moderation/queue", mod, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	queue := decodeBody[queueResponse](t, rr)
	require.Equal(t, 1, queue.Count)
	assert.Equal(t, post.ID, queue.Items[0].ID)

	rr = do(t, server, http.MethodPost, "/moderation/post/"+itoa(post.ID)+"/message", mod, map[string]any{"text": "fix the title"})
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = do(t, server, http.MethodPost, "/moderation/post/"+itoa(post.ID)+"/shout", mod, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, server, http.MethodPost, "/moderation/post/"+itoa(post.ID)+"/approve", mod, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, 0, server.queue.Len())
	assert.Equal(t, http.StatusOK, do(t, server, http.MethodGet, postPath, bob, nil).Code)

	rr = do(t, server, http.MethodPost, "/moderation/post/"+itoa(post.ID)+"/approve", mod, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, server, http.MethodGet, "/me/notices", alice, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	notices := decodeBody[[]models.Notice](t, rr)
	require.Len(t, notices, 2)
	assert.Equal(t, models.NoticeApproved, notices[0].Kind)
	assert.Equal(t, models.NoticeMessage, notices[1].Kind)

	// screened comments wait for review
	rr = do(t, server, http.MethodPost, postPath+"/comments", bob, map[string]any{"content": "best CASINO"})
	require.Equal(t, http.StatusCreated, rr.Code)
	held := decodeBody[models.Comment](t, rr)
	assert.Equal(t, models.StatusPending, held.ModerationStatus)
	rr = do(t, server, http.MethodPost, postPath+"/comments", bob, map[string]any{"content": "casino again"})
	require.Equal(t, http.StatusCreated, rr.Code)
	second := decodeBody[models.Comment](t, rr)
	require.NoError(t, server.queue.Load(context.Background()))
	require.Equal(t, 2, server.queue.Len())

	rr = do(t, server, http.MethodPost, "/moderation/bulk/reject", mod, map[string]any{
		"items": []models.ItemKey{
			{Type: models.ContentComment, ID: held.ID},
			{Type: models.ContentComment, ID: second.ID},
		},
		"reason": "spam",
	})
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, 0, server.queue.Len())

	rr = do(t, server, http.MethodPost, "/moderation/bulk/approve", mod, map[string]any{"items": []models.ItemKey{}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestNoticesWithoutInbox(t *testing.T) {
	server, _ := newTestServer(t, testConfig())
	rr := do(t, server, http.MethodGet, "/me/notices", server.tokenFor(t, "alice", RoleUser), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestInvalidTokenRejected(t *testing.T) {
	server, _ := newTestServer(t, testConfig())
	rr := do(t, server, http.MethodGet, "/posts", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, decodeBody[map[string]string](t, rr)["error"], "invalid token")
}

// memoryInbox keeps notices per recipient, newest first.
type memoryInbox struct {
	notices []models.Notice
}

func (m *memoryInbox) Notify(_ context.Context, n models.Notice) error {
	m.notices = append([]models.Notice{n}, m.notices...)
	return nil
}

func (m *memoryInbox) Inbox(_ context.Context, userID string) ([]models.Notice, error) {
	var out []models.Notice
	for _, n := range m.notices {
		if n.RecipientID == userID {
			out = append(out, n)
		}
	}
	return out, nil
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func TestScheduleResync(t *testing.T) {
	cfg := testConfig()
	server, db := newTestServer(t, cfg)

	c, err := server.scheduleResync(context.Background())
	require.NoError(t, err)
	assert.Nil(t, c, "no schedule configured")

	cfg.Moderation.ResyncSchedule = "not a schedule"
	_, err = server.scheduleResync(context.Background())
	assert.Error(t, err)

	cfg.Moderation.ResyncSchedule = "@every 1s"
	c, err = server.scheduleResync(context.Background())
	require.NoError(t, err)
	c.Start()
	defer c.Stop()

	require.NoError(t, db.CreatePost(context.Background(), &models.Post{Title: "t", AuthorID: "a", ModerationStatus: models.StatusPending}))
	assert.Eventually(t, func() bool { return server.queue.Len() == 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestRunStopsWithContext(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Port = "0"
	cfg.Server.ShutdownTimeout = time.Second
	server, _ := newTestServer(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestWriteRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Limiter = config.LimiterConfig{Enabled: true, RPS: 0.001, Burst: 2}
	server, _ := newTestServer(t, cfg)
	alice := server.tokenFor(t, "alice", RoleUser)
	bob := server.tokenFor(t, "bob", RoleUser)

	for range 2 {
		rr := do(t, server, http.MethodPost, "/posts", alice, map[string]any{"title": "t", "content": "c"})
		require.Equal(t, http.StatusCreated, rr.Code)
	}
	rr := do(t, server, http.MethodPost, "/posts", alice, map[string]any{"title": "t", "content": "c"})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))

	rr = do(t, server, http.MethodPost, "/posts", bob, map[string]any{"title": "t", "content": "c"})
	assert.Equal(t, http.StatusCreated, rr.Code, "limits are per caller")

	rr = do(t, server, http.MethodGet, "/posts", alice, nil)
	assert.Equal(t, http.StatusOK, rr.Code, "reads are not limited")
}
