package bus

import "context"

type Publisher interface {
	PublishInbound(ctx context.Context, msg InboundMessage) error
}

type Subscriber interface {
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
}
