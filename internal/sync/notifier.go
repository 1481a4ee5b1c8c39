package sync

import (
	"context"

	"github.com/MarcoPoloResearchLab/memexsync/internal/realtime"
)

const changeTopic = "changes"

// ChangeNotifier tells subscribers which objects a sync modified.
type ChangeNotifier struct {
	dispatcher *realtime.Dispatcher[[]ChangedObject]
}

func NewChangeNotifier() *ChangeNotifier {
	return &ChangeNotifier{dispatcher: realtime.NewDispatcher[[]ChangedObject](32)}
}

// Subscribe calls handler with each batch of changed objects until ctx ends or
// unsubscribe is called, whichever comes first.
func (n *ChangeNotifier) Subscribe(ctx context.Context, handler func([]ChangedObject)) (unsubscribe func()) {
	stream, cleanup := n.dispatcher.Subscribe(ctx, changeTopic)
	go func() {
		for batch := range stream {
			handler(batch)
		}
	}()
	return cleanup
}

// Publish delivers a batch to current subscribers.
func (n *ChangeNotifier) Publish(changes []ChangedObject) {
	if n == nil || len(changes) == 0 {
		return
	}
	n.dispatcher.Publish(changeTopic, changes)
}

// Subscribers returns the number of live subscriptions.
func (n *ChangeNotifier) Subscribers() int {
	return n.dispatcher.SubscriberCount(changeTopic)
}
