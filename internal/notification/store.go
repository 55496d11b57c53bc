package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store は通知の永続化を担う。
type Store interface {
	Create(ctx context.Context, n *Notification) error
	// Find は通知を返す。存在しない場合はErrNotFoundを返す。
	Find(ctx context.Context, id string) (*Notification, error)
	// List はフィルタに一致する通知を作成日時の降順で返し、条件に一致する総件数も返す。
	List(ctx context.Context, f Filter, opts ListOptions) ([]*Notification, int64, error)
	CountUnread(ctx context.Context, f Filter) (int64, error)
	// MarkRead は未読の通知を既読にする。既読化した場合はtrueを返す。
	MarkRead(ctx context.Context, id string, at time.Time) (bool, error)
	// MarkAllRead はフィルタに一致する未読の通知を同じ日時で既読にし、件数を返す。
	MarkAllRead(ctx context.Context, f Filter, at time.Time) (int64, error)
	// Delete は通知を削除する。存在しない場合はErrNotFoundを返す。
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context, f Filter) (*Stats, error)
}

// SQLiteStore はSQLiteを使うStoreの実装。
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore は新しいSQLiteStoreを生成する。スキーマは適用済みであること。
func NewSQLiteStore(db *sqlx.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// notificationColumns はSELECTする列。notificationRowのタグと対応する。
const notificationColumns = `id, title, message, type, priority, sender_id, sender_role,
	receiver_role, receiver_id, related_entity_type, related_entity_id, metadata,
	is_read, read_at, created_at`

// notificationRow はnotificationsテーブルの1行。
type notificationRow struct {
	ID                string         `db:"id"`
	Title             string         `db:"title"`
	Message           string         `db:"message"`
	Type              string         `db:"type"`
	Priority          string         `db:"priority"`
	SenderID          string         `db:"sender_id"`
	SenderRole        string         `db:"sender_role"`
	ReceiverRole      string         `db:"receiver_role"`
	ReceiverID        sql.NullString `db:"receiver_id"`
	RelatedEntityType sql.NullString `db:"related_entity_type"`
	RelatedEntityID   sql.NullString `db:"related_entity_id"`
	Metadata          Metadata       `db:"metadata"`
	IsRead            bool           `db:"is_read"`
	ReadAt            sql.NullTime   `db:"read_at"`
	CreatedAt         time.Time      `db:"created_at"`
}

func (r notificationRow) toNotification() *Notification {
	n := &Notification{
		ID:           r.ID,
		Title:        r.Title,
		Message:      r.Message,
		Type:         Type(r.Type),
		Priority:     Priority(r.Priority),
		SenderID:     r.SenderID,
		SenderRole:   Role(r.SenderRole),
		ReceiverRole: Role(r.ReceiverRole),
		Metadata:     r.Metadata,
		IsRead:       r.IsRead,
		CreatedAt:    r.CreatedAt.UTC(),
	}
	if n.Metadata == nil {
		n.Metadata = Metadata{}
	}
	if r.ReceiverID.Valid {
		id := r.ReceiverID.String
		n.ReceiverID = &id
	}
	if r.RelatedEntityType.Valid && r.RelatedEntityID.Valid {
		n.RelatedEntity = &RelatedEntity{Type: r.RelatedEntityType.String, ID: r.RelatedEntityID.String}
	}
	if r.ReadAt.Valid {
		at := r.ReadAt.Time.UTC()
		n.ReadAt = &at
	}
	return n
}

// nullString は空文字列をNULLとして扱う。
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Create は通知を保存する。intended_role列にはmetadata.intendedRoleを複製する。
func (s *SQLiteStore) Create(ctx context.Context, n *Notification) error {
	var relType, relID sql.NullString
	if n.RelatedEntity != nil {
		relType = nullString(n.RelatedEntity.Type)
		relID = nullString(n.RelatedEntity.ID)
	}
	var readAt sql.NullTime
	if n.ReadAt != nil {
		readAt = sql.NullTime{Time: n.ReadAt.UTC(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (
			id, title, message, type, priority, sender_id, sender_role,
			receiver_role, receiver_id, related_entity_type, related_entity_id,
			metadata, intended_role, is_read, read_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Title, n.Message, string(n.Type), string(n.Priority), n.SenderID, string(n.SenderRole),
		string(n.ReceiverRole), n.ReceiverID, relType, relID,
		n.Metadata, nullString(string(n.Metadata.IntendedRole())), n.IsRead, readAt, n.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("通知の保存に失敗: %w", err)
	}
	return nil
}

// Find はIDで通知を取得する。
func (s *SQLiteStore) Find(ctx context.Context, id string) (*Notification, error) {
	var row notificationRow
	err := s.db.GetContext(ctx, &row, "SELECT "+notificationColumns+" FROM notifications WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	return row.toNotification(), nil
}

// listWhere はフィルタと一覧条件からWHERE句を組み立てる。
func listWhere(f Filter, opts ListOptions) (string, []any) {
	where, args := f.where()
	conds := []string{where}
	if opts.IsRead != nil {
		conds = append(conds, "is_read = ?")
		args = append(args, *opts.IsRead)
	}
	if opts.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(opts.Type))
	}
	if opts.Priority != "" {
		conds = append(conds, "priority = ?")
		args = append(args, string(opts.Priority))
	}
	return strings.Join(conds, " AND "), args
}

// List はフィルタに一致する通知の1ページ分を返す。
func (s *SQLiteStore) List(ctx context.Context, f Filter, opts ListOptions) ([]*Notification, int64, error) {
	where, args := listWhere(f, opts)

	var total int64
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM notifications WHERE "+where, args...); err != nil {
		return nil, 0, fmt.Errorf("通知件数の取得に失敗: %w", err)
	}

	var rows []notificationRow
	query := "SELECT " + notificationColumns + " FROM notifications WHERE " + where +
		" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	if err := s.db.SelectContext(ctx, &rows, query, append(args, opts.Limit, opts.offset())...); err != nil {
		return nil, 0, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}

	out := make([]*Notification, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toNotification())
	}
	return out, total, nil
}

// CountUnread はフィルタに一致する未読の通知の件数を返す。
func (s *SQLiteStore) CountUnread(ctx context.Context, f Filter) (int64, error) {
	where, args := f.where()
	var n int64
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM notifications WHERE is_read = 0 AND "+where, args...); err != nil {
		return 0, fmt.Errorf("未読件数の取得に失敗: %w", err)
	}
	return n, nil
}

// MarkRead は未読の通知を既読にする。既読済みの通知のread_atは変更しない。
func (s *SQLiteStore) MarkRead(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET is_read = 1, read_at = ? WHERE id = ? AND is_read = 0", at.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("通知の既読化に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return n > 0, nil
}

// MarkAllRead はフィルタに一致する未読の通知をまとめて既読にする。
func (s *SQLiteStore) MarkAllRead(ctx context.Context, f Filter, at time.Time) (int64, error) {
	where, args := f.where()
	res, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET is_read = 1, read_at = ? WHERE is_read = 0 AND "+where,
		append([]any{at.UTC()}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("通知の一括既読化に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return n, nil
}

// Delete は通知を削除する。
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM notifications WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("通知の削除に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// bucketRow は集計クエリの1行。
type bucketRow struct {
	Key    string `db:"bucket"`
	Total  int64  `db:"total"`
	Unread int64  `db:"unread"`
}

// Stats は種類別と優先度別に通知を集計する。
func (s *SQLiteStore) Stats(ctx context.Context, f Filter) (*Stats, error) {
	where, args := f.where()
	stats := newStats()

	byType, err := s.groupBy(ctx, "type", where, args)
	if err != nil {
		return nil, err
	}
	for _, b := range byType {
		stats.ByType[Type(b.Key)] = Bucket{Total: b.Total, Unread: b.Unread}
		stats.Total += b.Total
		stats.Unread += b.Unread
	}

	byPriority, err := s.groupBy(ctx, "priority", where, args)
	if err != nil {
		return nil, err
	}
	for _, b := range byPriority {
		stats.ByPriority[Priority(b.Key)] = Bucket{Total: b.Total, Unread: b.Unread}
	}
	return stats, nil
}

// groupBy はcolumnごとの総数と未読数を返す。columnは呼び出し側で固定した列名に限る。
func (s *SQLiteStore) groupBy(ctx context.Context, column, where string, args []any) ([]bucketRow, error) {
	var rows []bucketRow
	query := "SELECT " + column + " AS bucket, COUNT(*) AS total," +
		" COALESCE(SUM(CASE WHEN is_read = 0 THEN 1 ELSE 0 END), 0) AS unread" +
		" FROM notifications WHERE " + where + " GROUP BY " + column
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("%s別の集計に失敗: %w", column, err)
	}
	return rows, nil
}
