// Package event は通知のライフサイクルイベントを表す型を提供する。
//
// 通知サービスは作成・既読・削除のたびにイベントを生成し、
// Event Storeへ追記する。監査と他サービスでの集計に使用する。
package event

import (
	"encoding/json"
	"time"
)

// AggregateType はイベントの対象となるエンティティの種類を表す。
type AggregateType string

const (
	// AggregateTypeNotification は保存済みの通知を表す。
	AggregateTypeNotification AggregateType = "Notification"
	// AggregateTypeViewer は閲覧者単位の一括操作を表す。
	AggregateTypeViewer AggregateType = "Viewer"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeNotificationCreated は通知が保存されたことを表す。
	TypeNotificationCreated Type = "NotificationCreated"
	// TypeNotificationRead は通知が既読になったことを表す。
	TypeNotificationRead Type = "NotificationRead"
	// TypeNotificationsReadAll は閲覧者の未読通知が一括で既読になったことを表す。
	TypeNotificationsReadAll Type = "NotificationsReadAll"
	// TypeNotificationDeleted は通知が削除されたことを表す。
	TypeNotificationDeleted Type = "NotificationDeleted"
)

// Event はEvent Storeに追記される不変のイベントレコードを表す。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// AggregateID は対象エンティティの識別子。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType AggregateType `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// NotificationCreatedData はNotificationCreatedイベントのデータ。
type NotificationCreatedData struct {
	SenderID     string  `json:"sender_id"`
	SenderRole   string  `json:"sender_role"`
	ReceiverRole string  `json:"receiver_role"`
	ReceiverID   *string `json:"receiver_id,omitempty"`
	// IntendedRole は管理者コピーなど、ロールを限定した一斉通知の対象ロール。
	IntendedRole string `json:"intended_role,omitempty"`
	Type         string `json:"type"`
	Priority     string `json:"priority"`
}

// NotificationReadData はNotificationReadイベントのデータ。
type NotificationReadData struct {
	ViewerID   string    `json:"viewer_id"`
	ViewerRole string    `json:"viewer_role"`
	ReadAt     time.Time `json:"read_at"`
}

// NotificationsReadAllData はNotificationsReadAllイベントのデータ。
type NotificationsReadAllData struct {
	ViewerRole string    `json:"viewer_role"`
	Count      int64     `json:"count"`
	ReadAt     time.Time `json:"read_at"`
}

// NotificationDeletedData はNotificationDeletedイベントのデータ。
type NotificationDeletedData struct {
	ViewerID   string `json:"viewer_id"`
	ViewerRole string `json:"viewer_role"`
}
