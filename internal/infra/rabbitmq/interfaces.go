package rabbitmq

import "context"

// PublisherInterface is what the coordinator and reconciler publish through.
type PublisherInterface interface {
	Publish(ctx context.Context, routingKey string, data any) error
}

var _ PublisherInterface = (*Publisher)(nil)