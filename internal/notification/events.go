package notification

import (
	"context"
	"fmt"

	"github.com/nao1215/ridenotify/pkg/event"
	"github.com/nao1215/ridenotify/pkg/httpclient"
)

// EventPublisher は通知のライフサイクルイベントを送信する。
type EventPublisher interface {
	Publish(ctx context.Context, e *event.Event) error
}

// nopPublisher はイベントを送信しないEventPublisher。
type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, *event.Event) error { return nil }

// appendEventPath はEvent Storeのイベント追記API。
const appendEventPath = "/api/v1/events"

// EventStorePublisher はEvent StoreサービスへHTTPでイベントを追記する。
type EventStorePublisher struct {
	client *httpclient.Client
}

var _ EventPublisher = (*EventStorePublisher)(nil)

// NewEventStorePublisher は新しいEventStorePublisherを生成する。
func NewEventStorePublisher(baseURL string, opts ...httpclient.Option) *EventStorePublisher {
	return &EventStorePublisher{client: httpclient.New(baseURL, opts...)}
}

// Publish はイベントをEvent Storeに追記する。
func (p *EventStorePublisher) Publish(ctx context.Context, e *event.Event) error {
	if err := p.client.PostJSON(ctx, appendEventPath, e, nil); err != nil {
		return fmt.Errorf("%sイベントの送信に失敗: %w", e.EventType, err)
	}
	return nil
}
