// Package event distributes control plane state changes to subscribers.
package event

import (
	"context"
	"fmt"
	"sync"

	"github.com/lithammer/shortuuid/v4"

	"github.com/compose-paas/backend/internal/model"
)

// Kind names a broadcast event.
type Kind string

const (
	KindAppListUpdated  Kind = "AppListUpdated"
	KindTaskListUpdated Kind = "TaskListUpdated"
	KindTaskInfoUpdated Kind = "TaskInfoUpdated"
)

// Event is a broadcast notification. Task is set for task events; Apps is set
// for app list updates.
type Event struct {
	Kind  Kind
	Task  *model.TaskDetails
	Tasks []model.TaskDetails
	Apps  []string
}

// Clone returns a copy that shares no mutable state with e.
func (e Event) Clone() Event {
	c := Event{Kind: e.Kind}
	if e.Task != nil {
		t := e.Task.Clone()
		c.Task = &t
	}
	if e.Tasks != nil {
		c.Tasks = make([]model.TaskDetails, len(e.Tasks))
		for i, t := range e.Tasks {
			c.Tasks[i] = t.Clone()
		}
	}
	if e.Apps != nil {
		c.Apps = append([]string(nil), e.Apps...)
	}
	return c
}

// AppName returns the app an event refers to, or "" for global events.
func (e Event) AppName() string {
	if e.Task != nil {
		return e.Task.AppName
	}
	return ""
}

type CancelFunc func()

// Publisher is implemented by anything that accepts events.
type Publisher interface {
	Publish(e Event) error
}

// PubSub fans published events out to every subscriber. Slow subscribers
// lose events instead of blocking the publisher.
type PubSub struct {
	publisher       chan Event
	publisherClosed bool
	publisherLock   sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	subscriber     map[string]chan Event
	subscriberLock sync.Mutex
}

func NewPubSub() *PubSub {
	w := &PubSub{
		publisher:  make(chan Event, 1024),
		subscriber: make(map[string]chan Event),
	}

	w.ctx, w.cancel = context.WithCancel(context.Background())

	go w.broadcast()

	return w
}

func (w *PubSub) Publish(e Event) error {
	event := e.Clone()

	w.publisherLock.Lock()
	defer w.publisherLock.Unlock()

	if w.publisherClosed {
		return fmt.Errorf("publisher is closed")
	}

	select {
	case w.publisher <- event:
	default:
		return fmt.Errorf("publisher queue full")
	}

	return nil
}

func (w *PubSub) Close() {
	w.cancel()

	w.publisherLock.Lock()
	if !w.publisherClosed {
		close(w.publisher)
		w.publisherClosed = true
	}
	w.publisherLock.Unlock()

	w.subscriberLock.Lock()
	for _, c := range w.subscriber {
		close(c)
	}
	w.subscriber = make(map[string]chan Event)
	w.subscriberLock.Unlock()
}

// Subscribe registers a new subscriber. The returned channel is closed when
// the PubSub is closed; the cancel func unregisters it.
func (w *PubSub) Subscribe() (<-chan Event, CancelFunc) {
	l := make(chan Event, 256)

	var id string

	w.subscriberLock.Lock()
	for {
		id = shortuuid.New()
		if _, ok := w.subscriber[id]; !ok {
			w.subscriber[id] = l
			break
		}
	}
	w.subscriberLock.Unlock()

	unsubscribe := func() {
		w.subscriberLock.Lock()
		if c, ok := w.subscriber[id]; ok {
			delete(w.subscriber, id)
			close(c)
		}
		w.subscriberLock.Unlock()
	}

	return l, unsubscribe
}

func (w *PubSub) broadcast() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case e, ok := <-w.publisher:
			if !ok {
				return
			}
			w.subscriberLock.Lock()
			for _, c := range w.subscriber {
				select {
				case c <- e.Clone():
				default:
				}
			}
			w.subscriberLock.Unlock()
		}
	}
}
