// Package pubsub provides a generic publish/subscribe event broker used to
// fan out Terminal Daemon, Router, and Workspace Store events to multiple
// subscribers without coupling publishers to specific consumers. Unlike a
// CRUD-oriented event bus, every payload in this domain already carries its
// own discriminator — daemonclient.Event.Event ("spawned"/"data"/"exit"/...),
// router.Event.Kind ("trigger-blocked"/"delivery-ack"), a SyncEvent's File —
// so the broker itself only timestamps and fans out; it does not also tag
// each publish with a generic created/updated/deleted verb that nothing in
// this runtime ever branches on.
package pubsub

import (
	"context"
	"time"
)

// Event wraps a published payload with the time it was published.
type Event[T any] struct {
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher fans a payload out to every current subscriber.
type Publisher[T any] interface {
	Publish(payload T)
}
