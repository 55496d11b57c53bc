package notification

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/nao1215/ridenotify/internal/config"
	"github.com/nao1215/ridenotify/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// headerAuth はX-User-IDとX-User-Roleヘッダーから操作者を設定するテスト用の認証ミドルウェア。
func headerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.GetHeader("X-User-ID"); id != "" {
			c.Set(middleware.ContextKeyUserID, id)
		}
		if role := c.GetHeader("X-User-Role"); role != "" {
			c.Set(middleware.ContextKeyRole, role)
		}
		c.Next()
	}
}

// setupTestServer はテスト用の通知サーバーをインメモリSQLiteで構築する。
func setupTestServer(t *testing.T) (*testEnv, *gin.Engine) {
	t.Helper()
	env := newTestEnv(t)
	s := newServer(env.service, zaptest.NewLogger(t), prometheus.NewRegistry())
	s.setupRoutes(headerAuth())
	return env, s.router
}

// doRequest は操作者のヘッダーを付けてリクエストを実行する。bodyがnilの場合はボディなしで送る。
func doRequest(router *gin.Engine, method, path string, viewer Identity, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, _ := json.Marshal(b)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if viewer.ID != "" {
		req.Header.Set("X-User-ID", viewer.ID)
	}
	if viewer.Role != "" {
		req.Header.Set("X-User-Role", string(viewer.Role))
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// parseJSON はレスポンスボディをvにデコードする。
func parseJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("レスポンスボディのパースに失敗: %v\nbody: %s", err, w.Body.String())
	}
}

// sendResponse は送信APIのレスポンス。
type sendResponse struct {
	Notifications []*Notification `json:"notifications"`
	Count         int             `json:"count"`
}

// errorResponse はエラーレスポンス。
type errorResponse struct {
	Code  Code   `json:"code"`
	Error string `json:"error"`
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	_, router := setupTestServer(t)

	w := doRequest(router, http.MethodGet, "/health", Identity{}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	parseJSON(t, w, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "notification", body["service"])
}

func TestSendEndpoints(t *testing.T) {
	t.Parallel()

	t.Run("管理者が生徒個人に送信すると201が返ること", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodPost, "/api/v1/notifications", adminA, map[string]any{
			"title":        "お知らせ",
			"message":      "明日は休校です",
			"priority":     "high",
			"receiverRole": "student",
			"receiverId":   studentS.ID,
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		var resp sendResponse
		parseJSON(t, w, &resp)
		require.Equal(t, 1, resp.Count)
		n := resp.Notifications[0]
		assert.Equal(t, RoleStudent, n.ReceiverRole)
		require.NotNil(t, n.ReceiverID)
		assert.Equal(t, studentS.ID, *n.ReceiverID)
		assert.Equal(t, PriorityHigh, n.Priority)
		assert.Equal(t, TypeInfo, n.Type)
		assert.False(t, n.IsRead)
		assert.Nil(t, n.ReadAt)
	})

	t.Run("ドライバーが担当生徒に送信すると生徒ごとの通知と管理者向けの控えが作成されること", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodPost, "/api/v1/notifications/driver", driverD, map[string]any{
			"title":      "遅延",
			"message":    "10分遅れます",
			"targetType": "students",
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		var resp sendResponse
		parseJSON(t, w, &resp)
		require.Equal(t, 3, resp.Count)
		adminCopy := resp.Notifications[2]
		assert.Equal(t, RoleAll, adminCopy.ReceiverRole)
		assert.Nil(t, adminCopy.ReceiverID)
		assert.Equal(t, "[ドライバー 田中] 遅延", adminCopy.Title)
		assert.Equal(t, "admin", adminCopy.Metadata[MetaIntendedRole])
		assert.InDelta(t, 2, adminCopy.Metadata[MetaStudentCount], 0)
	})

	t.Run("管理者が複数ロールに一斉送信できること", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodPost, "/api/v1/notifications/broadcast", adminA, map[string]any{
			"title":       "点検",
			"message":     "車両点検のお知らせ",
			"targetRoles": []string{"driver", "student", "driver"},
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		var resp sendResponse
		parseJSON(t, w, &resp)
		require.Equal(t, 2, resp.Count)
		assert.Equal(t, RoleDriver, resp.Notifications[0].ReceiverRole)
		assert.Equal(t, RoleStudent, resp.Notifications[1].ReceiverRole)
	})

	tests := []struct {
		name     string
		path     string
		sender   Identity
		body     any
		wantCode int
		wantErr  Code
	}{
		{
			name:     "生徒は個別送信できないこと",
			path:     "/api/v1/notifications",
			sender:   studentS,
			body:     map[string]any{"title": "a", "message": "b", "receiverRole": "driver"},
			wantCode: http.StatusForbidden,
			wantErr:  CodeForbidden,
		},
		{
			name:     "ドライバーは管理者に個別送信できないこと",
			path:     "/api/v1/notifications",
			sender:   driverD,
			body:     map[string]any{"title": "a", "message": "b", "receiverRole": "admin"},
			wantCode: http.StatusForbidden,
			wantErr:  CodeForbidden,
		},
		{
			name:     "タイトルが空の場合は400が返ること",
			path:     "/api/v1/notifications",
			sender:   adminA,
			body:     map[string]any{"title": " ", "message": "b", "receiverRole": "student"},
			wantCode: http.StatusBadRequest,
			wantErr:  CodeValidation,
		},
		{
			name:     "不正なJSONの場合は400が返ること",
			path:     "/api/v1/notifications",
			sender:   adminA,
			body:     "{not json",
			wantCode: http.StatusBadRequest,
			wantErr:  CodeValidation,
		},
		{
			name:     "担当車両の無いドライバーが生徒に送信すると404が返ること",
			path:     "/api/v1/notifications/driver",
			sender:   driverD2,
			body:     map[string]any{"title": "a", "message": "b", "targetType": "students"},
			wantCode: http.StatusNotFound,
			wantErr:  CodeNotFound,
		},
		{
			name:     "管理者以外は一斉送信できないこと",
			path:     "/api/v1/notifications/broadcast",
			sender:   driverD,
			body:     map[string]any{"title": "a", "message": "b", "targetRoles": []string{"student"}},
			wantCode: http.StatusForbidden,
			wantErr:  CodeForbidden,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env, router := setupTestServer(t)

			w := doRequest(router, http.MethodPost, tt.path, tt.sender, tt.body)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())

			var resp errorResponse
			parseJSON(t, w, &resp)
			assert.Equal(t, tt.wantErr, resp.Code)
			assert.NotEmpty(t, resp.Error)
			assert.Zero(t, env.countAll(t), "失敗した送信では何も保存しない")
		})
	}
}

func TestSendPartialFailure(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	dir := NewSQLDirectory(db)
	seedDirectory(t, dir)
	store := &failingStore{Store: NewSQLiteStore(db), succeed: 1, createErr: errors.New("disk full")}
	service := NewService(store, NewResolver(dir, dir), zap.NewNop())
	s := newServer(service, zap.NewNop(), prometheus.NewRegistry())
	s.setupRoutes(headerAuth())

	w := doRequest(s.router, http.MethodPost, "/api/v1/notifications/broadcast", adminA, map[string]any{
		"title":       "点検",
		"message":     "車両点検のお知らせ",
		"targetRoles": []string{"driver", "student"},
	})
	require.Equal(t, http.StatusInternalServerError, w.Code)

	var resp struct {
		Code          Code            `json:"code"`
		Error         string          `json:"error"`
		Succeeded     int             `json:"succeeded"`
		Total         int             `json:"total"`
		Notifications []*Notification `json:"notifications"`
	}
	parseJSON(t, w, &resp)
	assert.Equal(t, CodePartialFailure, resp.Code)
	assert.Equal(t, 1, resp.Succeeded)
	assert.Equal(t, 2, resp.Total)
	require.Len(t, resp.Notifications, 1)
	assert.Equal(t, RoleDriver, resp.Notifications[0].ReceiverRole)
	assert.NotContains(t, w.Body.String(), "disk full", "原因はレスポンスに含めない")
}

func TestInternalErrorHidesCause(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	dir := NewSQLDirectory(db)
	seedDirectory(t, dir)
	store := &failingStore{Store: NewSQLiteStore(db), createErr: errors.New("disk full")}
	service := NewService(store, NewResolver(dir, dir), zap.NewNop())
	s := newServer(service, zap.NewNop(), prometheus.NewRegistry())
	s.setupRoutes(headerAuth())

	w := doRequest(s.router, http.MethodPost, "/api/v1/notifications", adminA, map[string]any{
		"title": "a", "message": "b", "receiverRole": "driver",
	})
	require.Equal(t, http.StatusInternalServerError, w.Code)

	var resp errorResponse
	parseJSON(t, w, &resp)
	assert.Equal(t, CodeInternal, resp.Code)
	assert.Equal(t, "内部エラーが発生しました", resp.Error)
}

func TestQueryEndpoints(t *testing.T) {
	t.Parallel()

	env, router := setupTestServer(t)
	ctx := t.Context()
	_, err := env.service.Send(ctx, adminA, DirectIntent{Content: Content{Title: "個別", Message: "m", Type: TypeAlert}, ReceiverRole: RoleStudent, ReceiverID: studentS.ID})
	require.NoError(t, err)
	_, err = env.service.Send(ctx, adminA, BroadcastIntent{Content: Content{Title: "全員", Message: "m", Priority: PriorityUrgent}, TargetRoles: []Role{RoleAll}})
	require.NoError(t, err)
	_, err = env.service.Send(ctx, adminA, BroadcastIntent{Content: Content{Title: "ドライバー", Message: "m"}, TargetRoles: []Role{RoleDriver}})
	require.NoError(t, err)

	t.Run("閲覧できる通知だけが新しい順に返ること", func(t *testing.T) {
		w := doRequest(router, http.MethodGet, "/api/v1/notifications", studentS, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var page Page
		parseJSON(t, w, &page)
		require.Len(t, page.Notifications, 2)
		assert.Equal(t, "全員", page.Notifications[0].Title)
		assert.Equal(t, "個別", page.Notifications[1].Title)
		assert.Equal(t, Pagination{Page: 1, Limit: 20, Total: 2, TotalPages: 1}, page.Pagination)
	})

	t.Run("種類と件数で絞り込めること", func(t *testing.T) {
		w := doRequest(router, http.MethodGet, "/api/v1/notifications?type=alert&limit=1&page=1", studentS, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var page Page
		parseJSON(t, w, &page)
		require.Len(t, page.Notifications, 1)
		assert.Equal(t, "個別", page.Notifications[0].Title)
		assert.Equal(t, int64(1), page.Pagination.Total)
	})

	t.Run("数値でないpageとlimitは既定値になること", func(t *testing.T) {
		w := doRequest(router, http.MethodGet, "/api/v1/notifications?page=abc&limit=-3", driverD, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var page Page
		parseJSON(t, w, &page)
		assert.Equal(t, 1, page.Pagination.Page)
		assert.Equal(t, 20, page.Pagination.Limit)
		assert.Equal(t, int64(2), page.Pagination.Total)
	})

	t.Run("最終ページより大きなページ番号は空の一覧になること", func(t *testing.T) {
		w := doRequest(router, http.MethodGet, "/api/v1/notifications?page=9223372036854775807", studentS, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var page Page
		parseJSON(t, w, &page)
		assert.Empty(t, page.Notifications)
		assert.Equal(t, int64(2), page.Pagination.Total)
	})

	t.Run("isReadが真偽値でない場合は400が返ること", func(t *testing.T) {
		w := doRequest(router, http.MethodGet, "/api/v1/notifications?isRead=maybe", studentS, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("不正な種類で絞り込むと400が返ること", func(t *testing.T) {
		w := doRequest(router, http.MethodGet, "/api/v1/notifications?type=notice", studentS, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("未読件数を返すこと", func(t *testing.T) {
		w := doRequest(router, http.MethodGet, "/api/v1/notifications/unread-count", student3, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var body map[string]int64
		parseJSON(t, w, &body)
		assert.Equal(t, int64(1), body["count"])
	})

	t.Run("集計を返すこと", func(t *testing.T) {
		w := doRequest(router, http.MethodGet, "/api/v1/notifications/stats", studentS, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var stats Stats
		parseJSON(t, w, &stats)
		assert.Equal(t, int64(2), stats.Total)
		assert.Equal(t, int64(2), stats.Unread)
		assert.Equal(t, Bucket{Total: 1, Unread: 1}, stats.ByType[TypeAlert])
		assert.Equal(t, Bucket{}, stats.ByType[TypeWarning])
		assert.Equal(t, Bucket{Total: 1, Unread: 1}, stats.ByPriority[PriorityUrgent])
	})

	t.Run("操作者を特定できない場合は401が返ること", func(t *testing.T) {
		for _, viewer := range []Identity{{}, {ID: "x"}, {ID: "x", Role: RoleAll}, {ID: "x", Role: "parent"}} {
			w := doRequest(router, http.MethodGet, "/api/v1/notifications", viewer, nil)
			assert.Equal(t, http.StatusUnauthorized, w.Code, "操作者: %+v", viewer)
		}
	})
}

func TestLifecycleEndpoints(t *testing.T) {
	t.Parallel()

	env, router := setupTestServer(t)
	created, err := env.service.Send(t.Context(), adminA, DirectIntent{
		Content: testContent(), ReceiverRole: RoleStudent, ReceiverID: studentS.ID,
	})
	require.NoError(t, err)
	id := created[0].ID

	t.Run("宛先以外は取得できないこと", func(t *testing.T) {
		w := doRequest(router, http.MethodGet, "/api/v1/notifications/"+id, student2, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("存在しない通知は404が返ること", func(t *testing.T) {
		w := doRequest(router, http.MethodGet, "/api/v1/notifications/missing", studentS, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("宛先の生徒は既読にできること", func(t *testing.T) {
		w := doRequest(router, http.MethodPut, "/api/v1/notifications/"+id+"/read", studentS, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var n Notification
		parseJSON(t, w, &n)
		assert.True(t, n.IsRead)
		require.NotNil(t, n.ReadAt)

		w = doRequest(router, http.MethodGet, "/api/v1/notifications/"+id, studentS, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var again Notification
		parseJSON(t, w, &again)
		assert.True(t, again.IsRead)
		assert.True(t, n.ReadAt.Equal(*again.ReadAt))
	})

	t.Run("未読が無い場合の一括既読化は0件になること", func(t *testing.T) {
		w := doRequest(router, http.MethodPut, "/api/v1/notifications/read-all", studentS, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var body map[string]int64
		parseJSON(t, w, &body)
		assert.Equal(t, int64(0), body["updated"])
	})

	t.Run("宛先でないドライバーは削除できないこと", func(t *testing.T) {
		w := doRequest(router, http.MethodDelete, "/api/v1/notifications/"+id, driverD, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("管理者は閲覧できない通知も削除できること", func(t *testing.T) {
		w := doRequest(router, http.MethodDelete, "/api/v1/notifications/"+id, adminB, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var body map[string]string
		parseJSON(t, w, &body)
		assert.Equal(t, "通知を削除しました", body["message"])
		assert.Zero(t, env.countAll(t))

		w = doRequest(router, http.MethodDelete, "/api/v1/notifications/"+id, adminB, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestJWTAuthRoutes(t *testing.T) {
	t.Parallel()

	const secret = "test-secret"
	env := newTestEnv(t)
	s := newServer(env.service, zap.NewNop(), prometheus.NewRegistry())
	s.setupRoutes(middleware.JWTAuth(secret))

	token, err := middleware.GenerateJWT(secret, driverD.ID, string(driverD.Role), time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications/unread-count", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/v1/notifications/unread-count", nil)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestNewServer(t *testing.T) {
	t.Parallel()

	stub, eventStore := newEventStoreStub(t, http.StatusCreated)
	mr := miniredis.RunT(t)

	cfg := &config.Config{
		Server:     config.ServerConfig{Port: "0", AllowedOrigins: []string{"http://localhost:3000"}},
		Database:   config.DatabaseConfig{Path: ":memory:"},
		Auth:       config.AuthConfig{JWTSecret: "test-secret"},
		EventStore: config.EventStoreConfig{URL: eventStore.URL},
		Redis:      config.RedisConfig{Address: mr.Addr(), TTL: time.Minute},
		Pagination: config.PaginationConfig{DefaultLimit: 20, MaxLimit: 100},
	}
	s, err := NewServer(t.Context(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })

	require.NoError(t, NewSQLDirectory(s.db).UpsertUser(t.Context(), User{ID: adminA.ID, Name: "管理者A", Role: RoleAdmin}))

	token, err := middleware.GenerateJWT(cfg.Auth.JWTSecret, adminA.ID, string(adminA.Role), time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/broadcast",
		strings.NewReader(`{"title":"点検","message":"車両点検","targetRoles":["all"]}`))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/v1/notifications/unread-count", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"count":1}`, w.Body.String())
	assert.True(t, mr.Exists(unreadKey(1, adminA)), "未読件数がRedisにキャッシュされること")

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "notifications_created_total")
	assert.Contains(t, w.Body.String(), "go_goroutines")

	stub.mu.Lock()
	defer stub.mu.Unlock()
	assert.Len(t, stub.events, 1)
}
