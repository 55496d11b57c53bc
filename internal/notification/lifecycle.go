package notification

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nao1215/ridenotify/pkg/event"
	"github.com/nao1215/ridenotify/pkg/httpclient"
)

// Service は通知の作成、既読化、削除と閲覧者向けの検索を行う。
// 変更の前に必ずCanViewまたはCanDeleteで権限を確認する。
type Service struct {
	store    Store
	resolver *Resolver
	cache    UnreadCache
	events   EventPublisher
	metrics  *Metrics
	logger   *zap.Logger
	validate *validator.Validate
	now      func() time.Time
	newID    func() string

	defaultLimit int
	maxLimit     int
}

// Option はServiceの設定を変更する。
type Option func(*Service)

// WithUnreadCache は未読件数のキャッシュを設定する。
func WithUnreadCache(c UnreadCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithEventPublisher はライフサイクルイベントの送信先を設定する。
func WithEventPublisher(p EventPublisher) Option {
	return func(s *Service) { s.events = p }
}

// WithMetrics はメトリクスを設定する。
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock は現在時刻の取得方法を設定する。
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator は通知IDの生成方法を設定する。
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// WithPagination は一覧取得の既定件数と上限件数を設定する。
func WithPagination(defaultLimit, maxLimit int) Option {
	return func(s *Service) {
		s.defaultLimit = defaultLimit
		s.maxLimit = maxLimit
	}
}

// NewService は新しいServiceを生成する。
func NewService(store Store, resolver *Resolver, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:        store,
		resolver:     resolver,
		cache:        nopCache{},
		events:       nopPublisher{},
		logger:       logger,
		validate:     validator.New(),
		now:          time.Now,
		newID:        uuid.NewString,
		defaultLimit: 20,
		maxLimit:     100,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(prometheus.NewRegistry())
	}
	if s.maxLimit < s.defaultLimit {
		s.maxLimit = s.defaultLimit
	}
	return s
}

// checkViewer は閲覧者の識別情報を検証する。
func checkViewer(viewer Identity) error {
	if viewer.ID == "" || !viewer.Role.IsUserRole() {
		return forbiddenError("閲覧者を特定できません")
	}
	return nil
}

// prepare は下書きに既定値を補い、保存できる状態かを検証する。
func (s *Service) prepare(d Draft) (Draft, error) {
	d.Title = strings.TrimSpace(d.Title)
	d.Message = strings.TrimSpace(d.Message)
	if d.Type == "" {
		d.Type = TypeInfo
	}
	if d.Priority == "" {
		d.Priority = PriorityMedium
	}
	if err := s.validate.Struct(d); err != nil {
		return d, &Error{Code: CodeValidation, Message: "通知の内容が不正です", Err: err}
	}
	if d.ReceiverID != nil && *d.ReceiverID == "" {
		return d, validationError("宛先IDが空です")
	}
	if d.ReceiverID != nil && d.ReceiverRole == RoleAll {
		return d, validationError("宛先ロールallには宛先IDを指定できません")
	}
	return d, nil
}

// materialize は下書きからIDと作成日時を持つ未読の通知を作る。
func (s *Service) materialize(d Draft) *Notification {
	md := d.Metadata.clone()
	return &Notification{
		ID:            s.newID(),
		Title:         d.Title,
		Message:       d.Message,
		Type:          d.Type,
		Priority:      d.Priority,
		SenderID:      d.SenderID,
		SenderRole:    d.SenderRole,
		ReceiverRole:  d.ReceiverRole,
		ReceiverID:    d.ReceiverID,
		RelatedEntity: d.RelatedEntity,
		Metadata:      md,
		CreatedAt:     s.now().UTC(),
	}
}

// Create は下書きを1件保存する。
func (s *Service) Create(ctx context.Context, d Draft) (*Notification, error) {
	created, err := s.persist(ctx, []Draft{d})
	if err != nil {
		return nil, err
	}
	return created[0], nil
}

// Send は宛先の意図を解決し、得られた下書きを順に保存する。
// 途中で保存に失敗した場合、保存済みの通知は残したままPartialFailureErrorを返す。
func (s *Service) Send(ctx context.Context, sender Identity, intent Intent) ([]*Notification, error) {
	name := intentName(intent)
	timer := prometheus.NewTimer(s.metrics.sendDuration.WithLabelValues(name))
	defer timer.ObserveDuration()

	drafts, err := s.resolver.Resolve(ctx, sender, intent)
	if err == nil {
		var created []*Notification
		created, err = s.persist(ctx, drafts)
		if err == nil {
			return created, nil
		}
		s.metrics.sendFailures.WithLabelValues(name, string(CodeOf(err))).Inc()
		return created, err
	}
	s.metrics.sendFailures.WithLabelValues(name, string(CodeOf(err))).Inc()
	return nil, err
}

// persist は全下書きを検証してから1件ずつ保存する。
func (s *Service) persist(ctx context.Context, drafts []Draft) ([]*Notification, error) {
	prepared := make([]Draft, 0, len(drafts))
	for _, d := range drafts {
		p, err := s.prepare(d)
		if err != nil {
			return nil, err
		}
		prepared = append(prepared, p)
	}

	created := make([]*Notification, 0, len(prepared))
	defer func() {
		if len(created) > 0 {
			s.invalidate(ctx)
		}
	}()

	for _, d := range prepared {
		n := s.materialize(d)
		if err := s.store.Create(ctx, n); err != nil {
			cause := internalError("通知の保存に失敗しました", err)
			if len(created) == 0 {
				return nil, cause
			}
			s.logger.Error("一斉送信の途中で通知の保存に失敗しました",
				zap.Int("succeeded", len(created)),
				zap.Int("total", len(prepared)),
				zap.Error(err),
			)
			return created, &PartialFailureError{Created: created, Total: len(prepared), Err: cause}
		}
		created = append(created, n)
		s.metrics.created.WithLabelValues(string(n.ReceiverRole), string(n.Type)).Inc()

		s.publish(ctx, Identity{ID: n.SenderID, Role: n.SenderRole},
			event.NotificationAggregateID(n.ID), event.AggregateTypeNotification, event.TypeNotificationCreated,
			event.NotificationCreatedData{
				SenderID:     n.SenderID,
				SenderRole:   string(n.SenderRole),
				ReceiverRole: string(n.ReceiverRole),
				ReceiverID:   n.ReceiverID,
				IntendedRole: string(n.Metadata.IntendedRole()),
				Type:         string(n.Type),
				Priority:     string(n.Priority),
			})
	}
	return created, nil
}

// find はストアから通知を取得し、エラーを分類する。
func (s *Service) find(ctx context.Context, id string) (*Notification, error) {
	n, err := s.store.Find(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, notFoundError("通知が見つかりません: %s", id)
	}
	if err != nil {
		return nil, internalError("通知の取得に失敗しました", err)
	}
	return n, nil
}

// Get は閲覧者が閲覧できる通知を1件返す。
func (s *Service) Get(ctx context.Context, id string, viewer Identity) (*Notification, error) {
	if err := checkViewer(viewer); err != nil {
		return nil, err
	}
	n, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanView(n, viewer) {
		return nil, forbiddenError("この通知を閲覧する権限がありません")
	}
	return n, nil
}

// MarkRead は通知を既読にする。既読済みの通知に対しては何もせず、readAtも変更しない。
func (s *Service) MarkRead(ctx context.Context, id string, viewer Identity) (*Notification, error) {
	n, err := s.Get(ctx, id, viewer)
	if err != nil {
		return nil, err
	}
	if n.IsRead {
		return n, nil
	}

	at := s.now().UTC()
	updated, err := s.store.MarkRead(ctx, id, at)
	if err != nil {
		return nil, internalError("通知の既読化に失敗しました", err)
	}
	if !updated {
		// 別のリクエストが先に既読化した
		return s.find(ctx, id)
	}

	n.IsRead = true
	n.ReadAt = &at
	s.metrics.reads.Inc()
	s.invalidate(ctx)
	s.publish(ctx, viewer, event.NotificationAggregateID(n.ID), event.AggregateTypeNotification,
		event.TypeNotificationRead, event.NotificationReadData{
			ViewerID:   viewer.ID,
			ViewerRole: string(viewer.Role),
			ReadAt:     at,
		})
	return n, nil
}

// MarkAllRead は閲覧者が閲覧できる未読の通知をすべて既読にし、件数を返す。
func (s *Service) MarkAllRead(ctx context.Context, viewer Identity) (int64, error) {
	if err := checkViewer(viewer); err != nil {
		return 0, err
	}

	at := s.now().UTC()
	count, err := s.store.MarkAllRead(ctx, ListFilter(viewer), at)
	if err != nil {
		return 0, internalError("通知の一括既読化に失敗しました", err)
	}
	if count == 0 {
		return 0, nil
	}

	s.metrics.readAll.Add(float64(count))
	s.invalidate(ctx)
	s.publish(ctx, viewer, event.ViewerAggregateID(viewer.ID), event.AggregateTypeViewer,
		event.TypeNotificationsReadAll, event.NotificationsReadAllData{
			ViewerRole: string(viewer.Role),
			Count:      count,
			ReadAt:     at,
		})
	return count, nil
}

// Delete は通知を削除する。閲覧できる通知に加え、管理者はすべての通知を削除できる。
func (s *Service) Delete(ctx context.Context, id string, viewer Identity) error {
	if err := checkViewer(viewer); err != nil {
		return err
	}
	n, err := s.find(ctx, id)
	if err != nil {
		return err
	}
	if !CanDelete(n, viewer) {
		return forbiddenError("この通知を削除する権限がありません")
	}

	if err := s.store.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return notFoundError("通知が見つかりません: %s", id)
		}
		return internalError("通知の削除に失敗しました", err)
	}

	s.metrics.deletes.Inc()
	s.invalidate(ctx)
	s.publish(ctx, viewer, event.NotificationAggregateID(id), event.AggregateTypeNotification,
		event.TypeNotificationDeleted, event.NotificationDeletedData{
			ViewerID:   viewer.ID,
			ViewerRole: string(viewer.Role),
		})
	return nil
}

// List は閲覧者が閲覧できる通知を作成日時の降順で1ページ分返す。
func (s *Service) List(ctx context.Context, viewer Identity, opts ListOptions) (*Page, error) {
	if err := checkViewer(viewer); err != nil {
		return nil, err
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts = opts.normalize(s.defaultLimit, s.maxLimit)

	items, total, err := s.store.List(ctx, ListFilter(viewer), opts)
	if err != nil {
		return nil, internalError("通知一覧の取得に失敗しました", err)
	}
	return &Page{Notifications: items, Pagination: newPagination(opts, total)}, nil
}

// UnreadCount は閲覧者の未読件数を返す。キャッシュの失敗は無視してストアから数える。
func (s *Service) UnreadCount(ctx context.Context, viewer Identity) (int64, error) {
	if err := checkViewer(viewer); err != nil {
		return 0, err
	}

	// 数えている間に無効化された場合、保存先の世代は既に古く読まれない
	count, gen, ok, cacheErr := s.cache.Get(ctx, viewer)
	if cacheErr != nil {
		s.logger.Warn("未読件数キャッシュの取得に失敗しました", zap.Error(cacheErr))
	}
	if ok {
		s.metrics.cacheLookups.WithLabelValues("hit").Inc()
		return count, nil
	}
	s.metrics.cacheLookups.WithLabelValues("miss").Inc()

	count, err := s.store.CountUnread(ctx, ListFilter(viewer))
	if err != nil {
		return 0, internalError("未読件数の取得に失敗しました", err)
	}
	if cacheErr != nil {
		return count, nil
	}
	if err := s.cache.Set(ctx, viewer, gen, count); err != nil {
		s.logger.Warn("未読件数キャッシュの保存に失敗しました", zap.Error(err))
	}
	return count, nil
}

// Stats は閲覧者が閲覧できる通知を種類別と優先度別に集計する。
func (s *Service) Stats(ctx context.Context, viewer Identity) (*Stats, error) {
	if err := checkViewer(viewer); err != nil {
		return nil, err
	}
	stats, err := s.store.Stats(ctx, ListFilter(viewer))
	if err != nil {
		return nil, internalError("通知の集計に失敗しました", err)
	}
	return stats, nil
}

// invalidate は未読件数のキャッシュを無効化する。失敗はログに記録するのみ。
func (s *Service) invalidate(ctx context.Context) {
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Warn("未読件数キャッシュの無効化に失敗しました", zap.Error(err))
	}
}

// publish はライフサイクルイベントを送信する。送信に失敗しても操作は成功として扱う。
func (s *Service) publish(ctx context.Context, actor Identity, aggregateID string,
	aggregateType event.AggregateType, eventType event.Type, data any,
) {
	e, err := event.New(aggregateID, aggregateType, eventType, data, s.now())
	if err == nil {
		ctx = httpclient.WithIdentity(ctx, actor.ID, string(actor.Role))
		err = s.events.Publish(ctx, e)
	}
	if err != nil {
		s.metrics.eventFailures.Inc()
		s.logger.Warn("イベントの送信に失敗しました",
			zap.String("event_type", string(eventType)),
			zap.String("aggregate_id", aggregateID),
			zap.Error(err),
		)
	}
}

func intentName(intent Intent) string {
	switch intent.(type) {
	case DirectIntent:
		return "direct"
	case DriverTargetIntent:
		return "driver"
	case BroadcastIntent:
		return "broadcast"
	}
	return "unknown"
}
