package bus

import "github.com/nats-io/nats.go"

// natsSubscription adapts a NATS subscription to the bus Subscription
// interface so the hub can treat memory and NATS streams alike.
type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub != nil && s.sub.IsValid()
}
