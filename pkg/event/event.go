package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New は新しいイベントを生成する。
// dataにはイベント固有のデータ構造体を渡す。JSON形式にシリアライズされる。
func New(aggregateID string, aggregateType AggregateType, eventType Type, data any, now time.Time) (*Event, error) {
	if aggregateID == "" {
		return nil, fmt.Errorf("aggregate_idが空です: event_type=%s", eventType)
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}

	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Data:          jsonData,
		CreatedAt:     now.UTC(),
	}, nil
}

// NotificationAggregateID は通知IDからAggregateIDを組み立てる。
func NotificationAggregateID(notificationID string) string {
	return "notification-" + notificationID
}

// ViewerAggregateID は閲覧者IDからAggregateIDを組み立てる。
func ViewerAggregateID(viewerID string) string {
	return "viewer-" + viewerID
}
