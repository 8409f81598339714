package domain

// SubscriptionState is the lifecycle state of a streaming subscription.
type SubscriptionState string

const (
	SubUnbound      SubscriptionState = "unbound"
	SubConnecting   SubscriptionState = "connecting"
	SubActive       SubscriptionState = "active"
	SubReconnecting SubscriptionState = "reconnecting"
	SubFailed       SubscriptionState = "failed"
	SubClosed       SubscriptionState = "closed"
)

// StreamMessage is one notification delivered to a subscriber. Sequence
// is the provider-reported cursor when the stream protocol carries one,
// 0 otherwise; payloads are opaque to the gateway.
type StreamMessage struct {
	ProviderID string
	Topic      string
	Sequence   uint64
	Payload    []byte
}
