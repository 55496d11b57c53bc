package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nao1215/ridenotify/internal/config"
	"github.com/nao1215/ridenotify/pkg/middleware"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 10 * time.Second

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// service は通知の作成・検索・既読化・削除を行う。
	service *Service
	// logger は構造化ロガー。
	logger *zap.Logger
	// registry は/metricsで公開するPrometheusレジストリ。
	registry *prometheus.Registry
	// db はSQLiteデータベース接続。
	db *sqlx.DB
	// redis は未読件数キャッシュ用のRedisクライアント。未設定の場合はnil。
	redis *redis.Client
}

// NewServer は設定から通知サーバーを生成する。
// SQLiteデータベースを開いてマイグレーションを適用し、依存するコンポーネントを組み立てる。
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	db, err := OpenDB(cfg.Database.DSN())
	if err != nil {
		return nil, err
	}
	if _, err := Migrate(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []Option{
		WithMetrics(NewMetrics(registry)),
		WithPagination(cfg.Pagination.DefaultLimit, cfg.Pagination.MaxLimit),
	}
	if cfg.EventStore.URL != "" {
		opts = append(opts, WithEventPublisher(NewEventStorePublisher(cfg.EventStore.URL)))
	} else {
		logger.Info("EVENTSTORE_URLが未設定のためイベントを送信しません")
	}

	var rdb *redis.Client
	if cfg.Redis.Address != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		opts = append(opts, WithUnreadCache(NewRedisUnreadCache(rdb, cfg.Redis.TTL)))
	}

	directory := NewSQLDirectory(db)
	service := NewService(NewSQLiteStore(db), NewResolver(directory, directory), logger, opts...)

	s := newServer(service, logger, registry)
	s.port = cfg.Server.Port
	s.db = db
	s.redis = rdb
	s.router.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	s.setupRoutes(middleware.JWTAuth(cfg.Auth.JWTSecret))
	return s, nil
}

// newServer はルーティング前のサーバーを生成する。
func newServer(service *Service, logger *zap.Logger, registry *prometheus.Registry) *Server {
	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))

	return &Server{
		router:   router,
		service:  service,
		logger:   logger,
		registry: registry,
	}
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルに停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("通知サービスを起動します", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("通知サービスを停止します")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("サーバーの停止に失敗: %w", err)
	}
	return nil
}

// Close はデータベースとRedisの接続を閉じる。
func (s *Server) Close() error {
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

// setupRoutes はAPIルーティングを設定する。authは利用者IDとロールをコンテキストに設定するミドルウェア。
func (s *Server) setupRoutes(auth gin.HandlerFunc) {
	api := s.router.Group("/api/v1")
	api.Use(auth)
	{
		notifications := api.Group("/notifications")
		{
			// 閲覧者向けの検索
			notifications.GET("", s.handleList())
			notifications.GET("/unread-count", s.handleUnreadCount())
			notifications.GET("/stats", s.handleStats())
			notifications.GET("/:id", s.handleGet())

			// 既読化と削除
			notifications.PUT("/read-all", s.handleMarkAllRead())
			notifications.PUT("/:id/read", s.handleMarkRead())
			notifications.DELETE("/:id", s.handleDelete())

			// 送信
			notifications.POST("", s.handleSendDirect())
			notifications.POST("/driver", s.handleSendFromDriver())
			notifications.POST("/broadcast", s.handleBroadcast())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
}

// identity はコンテキストから操作者を取得する。取得できない場合は401を返してfalseを返す。
func identity(c *gin.Context) (Identity, bool) {
	id := Identity{ID: middleware.GetUserID(c), Role: Role(middleware.GetRole(c))}
	if id.ID == "" || !id.Role.IsUserRole() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDまたはロールが取得できません"})
		return Identity{}, false
	}
	return id, true
}

// writeError はエラーの分類に応じたステータスコードでレスポンスを返す。
// 内部エラーの原因はログにのみ記録する。
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		e  *Error
		pf *PartialFailureError
	)
	switch code := CodeOf(err); code {
	case CodeValidation:
		errors.As(err, &e)
		c.JSON(http.StatusBadRequest, gin.H{"code": code, "error": e.Message})
	case CodeForbidden:
		errors.As(err, &e)
		c.JSON(http.StatusForbidden, gin.H{"code": code, "error": e.Message})
	case CodeNotFound:
		errors.As(err, &e)
		c.JSON(http.StatusNotFound, gin.H{"code": code, "error": e.Message})
	case CodePartialFailure:
		errors.As(err, &pf)
		s.logger.Error("通知の一部のみ保存されました", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":          code,
			"error":         "一部の通知のみ送信されました",
			"succeeded":     len(pf.Created),
			"total":         pf.Total,
			"notifications": pf.Created,
		})
	default:
		s.logger.Error("内部エラーが発生しました", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"code": CodeInternal, "error": "内部エラーが発生しました"})
	}
}

// parseListOptions はクエリパラメータから一覧取得の条件を組み立てる。
// pageとlimitは数値として解釈できない場合に既定値を使う。
func parseListOptions(c *gin.Context) (ListOptions, error) {
	opts := ListOptions{
		Type:     Type(c.Query("type")),
		Priority: Priority(c.Query("priority")),
	}
	if v, ok := c.GetQuery("isRead"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, validationError("isReadはtrueまたはfalseで指定してください: %q", v)
		}
		opts.IsRead = &b
	}
	opts.Page, _ = strconv.Atoi(c.Query("page"))
	opts.Limit, _ = strconv.Atoi(c.Query("limit"))
	return opts, nil
}

// handleList は閲覧者が閲覧できる通知の一覧を返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		viewer, ok := identity(c)
		if !ok {
			return
		}
		opts, err := parseListOptions(c)
		if err != nil {
			s.writeError(c, err)
			return
		}

		page, err := s.service.List(c.Request.Context(), viewer, opts)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, page)
	}
}

// handleUnreadCount は閲覧者の未読件数を返すハンドラ。
func (s *Server) handleUnreadCount() gin.HandlerFunc {
	return func(c *gin.Context) {
		viewer, ok := identity(c)
		if !ok {
			return
		}
		count, err := s.service.UnreadCount(c.Request.Context(), viewer)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": count})
	}
}

// handleStats は閲覧者が閲覧できる通知の集計を返すハンドラ。
func (s *Server) handleStats() gin.HandlerFunc {
	return func(c *gin.Context) {
		viewer, ok := identity(c)
		if !ok {
			return
		}
		stats, err := s.service.Stats(c.Request.Context(), viewer)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// handleGet は通知を1件返すハンドラ。
func (s *Server) handleGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		viewer, ok := identity(c)
		if !ok {
			return
		}
		n, err := s.service.Get(c.Request.Context(), c.Param("id"), viewer)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, n)
	}
}

// handleMarkRead は指定された通知を既読にするハンドラ。
func (s *Server) handleMarkRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		viewer, ok := identity(c)
		if !ok {
			return
		}
		n, err := s.service.MarkRead(c.Request.Context(), c.Param("id"), viewer)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, n)
	}
}

// handleMarkAllRead は閲覧者の未読通知をすべて既読にするハンドラ。
func (s *Server) handleMarkAllRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		viewer, ok := identity(c)
		if !ok {
			return
		}
		count, err := s.service.MarkAllRead(c.Request.Context(), viewer)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": count})
	}
}

// handleDelete は通知を削除するハンドラ。
func (s *Server) handleDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		viewer, ok := identity(c)
		if !ok {
			return
		}
		if err := s.service.Delete(c.Request.Context(), c.Param("id"), viewer); err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "通知を削除しました"})
	}
}

// contentRequest は送信リクエストに共通する本文のJSON構造。
type contentRequest struct {
	Title         string         `json:"title"`
	Message       string         `json:"message"`
	Type          Type           `json:"type"`
	Priority      Priority       `json:"priority"`
	RelatedEntity *RelatedEntity `json:"relatedEntity"`
	Metadata      Metadata       `json:"metadata"`
}

func (r contentRequest) toContent() Content {
	return Content{
		Title:         r.Title,
		Message:       r.Message,
		Type:          r.Type,
		Priority:      r.Priority,
		RelatedEntity: r.RelatedEntity,
		Metadata:      r.Metadata,
	}
}

// directRequest は個別送信リクエストのJSON構造。
type directRequest struct {
	contentRequest
	ReceiverRole Role   `json:"receiverRole"`
	ReceiverID   string `json:"receiverId"`
}

// driverRequest はドライバーからの送信リクエストのJSON構造。
type driverRequest struct {
	contentRequest
	TargetType DriverTarget `json:"targetType"`
}

// broadcastRequest は一斉送信リクエストのJSON構造。
type broadcastRequest struct {
	contentRequest
	TargetRoles []Role `json:"targetRoles"`
}

// send は意図を解決して保存し、作成した通知を201で返す。
func (s *Server) send(c *gin.Context, sender Identity, intent Intent) {
	created, err := s.service.Send(c.Request.Context(), sender, intent)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"notifications": created,
		"count":         len(created),
	})
}

// handleSendDirect は特定の利用者またはロールに通知を送るハンドラ。
func (s *Server) handleSendDirect() gin.HandlerFunc {
	return func(c *gin.Context) {
		sender, ok := identity(c)
		if !ok {
			return
		}
		var req directRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.writeError(c, validationError("リクエストが不正です: %v", err))
			return
		}
		s.send(c, sender, DirectIntent{
			Content:      req.toContent(),
			ReceiverRole: req.ReceiverRole,
			ReceiverID:   req.ReceiverID,
		})
	}
}

// handleSendFromDriver はドライバーが担当車両の生徒または管理者に送るハンドラ。
func (s *Server) handleSendFromDriver() gin.HandlerFunc {
	return func(c *gin.Context) {
		sender, ok := identity(c)
		if !ok {
			return
		}
		var req driverRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.writeError(c, validationError("リクエストが不正です: %v", err))
			return
		}
		s.send(c, sender, DriverTargetIntent{
			Content:    req.toContent(),
			TargetType: req.TargetType,
		})
	}
}

// handleBroadcast は管理者がロール単位で一斉送信するハンドラ。
func (s *Server) handleBroadcast() gin.HandlerFunc {
	return func(c *gin.Context) {
		sender, ok := identity(c)
		if !ok {
			return
		}
		var req broadcastRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.writeError(c, validationError("リクエストが不正です: %v", err))
			return
		}
		s.send(c, sender, BroadcastIntent{
			Content:     req.toContent(),
			TargetRoles: req.TargetRoles,
		})
	}
}
