package realtime

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Subscription receives the messages published for one user.
type Subscription struct {
	UserID string
	C      chan Message
}

// Bridge fans out per-user state change notifications to subscribers.
// Delivery is best effort: a subscriber with a full buffer misses the message.
type Bridge struct {
	subscribers map[string]map[*Subscription]struct{}
	publish     chan Message
	register    chan *Subscription
	unregister  chan *Subscription
	counts      chan countQuery
	stop        chan struct{}
	done        chan struct{}
	logger      *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewBridge creates a bridge; call Start before publishing.
func NewBridge(logger *zap.Logger) *Bridge {
	return &Bridge{
		subscribers: make(map[string]map[*Subscription]struct{}),
		publish:     make(chan Message, 256),
		register:    make(chan *Subscription),
		unregister:  make(chan *Subscription),
		counts:      make(chan countQuery),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// Start runs the dispatch loop.
func (b *Bridge) Start() {
	b.startOnce.Do(func() {
		go b.run()
	})
}

// Stop ends the dispatch loop and closes every subscription.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
	})
	b.startOnce.Do(func() { close(b.done) })
	<-b.done
}

// Subscribe registers a subscription for userID. It returns nil once stopped.
func (b *Bridge) Subscribe(userID string) *Subscription {
	sub := &Subscription{UserID: userID, C: make(chan Message, 16)}
	select {
	case b.register <- sub:
		return sub
	case <-b.stop:
		return nil
	}
}

// Unsubscribe removes sub and closes its channel.
func (b *Bridge) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	select {
	case b.unregister <- sub:
	case <-b.stop:
	}
}

// Publish queues a notification for every subscription of userID.
func (b *Bridge) Publish(userID, eventType string, payload interface{}) {
	msg := Message{
		Type:      MessageType(eventType),
		UserID:    userID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	select {
	case b.publish <- msg:
	default:
		b.logger.Warn("Realtime publish queue full, dropping message",
			zap.String("user_id", userID), zap.String("type", eventType))
	}
}

type countQuery struct {
	userID string
	reply  chan int
}

// Subscribers returns the number of live subscriptions of userID.
func (b *Bridge) Subscribers(userID string) int {
	q := countQuery{userID: userID, reply: make(chan int, 1)}
	select {
	case b.counts <- q:
		return <-q.reply
	case <-b.stop:
		return 0
	}
}

func (b *Bridge) run() {
	defer close(b.done)
	for {
		select {
		case sub := <-b.register:
			subs, ok := b.subscribers[sub.UserID]
			if !ok {
				subs = make(map[*Subscription]struct{})
				b.subscribers[sub.UserID] = subs
			}
			subs[sub] = struct{}{}

		case sub := <-b.unregister:
			if subs, ok := b.subscribers[sub.UserID]; ok {
				if _, ok := subs[sub]; ok {
					delete(subs, sub)
					close(sub.C)
				}
				if len(subs) == 0 {
					delete(b.subscribers, sub.UserID)
				}
			}

		case q := <-b.counts:
			q.reply <- len(b.subscribers[q.userID])

		case msg := <-b.publish:
			for sub := range b.subscribers[msg.UserID] {
				select {
				case sub.C <- msg:
				default:
					b.logger.Warn("Realtime subscriber buffer full, dropping message",
						zap.String("user_id", msg.UserID))
				}
			}

		case <-b.stop:
			for userID, subs := range b.subscribers {
				for sub := range subs {
					close(sub.C)
				}
				delete(b.subscribers, userID)
			}
			return
		}
	}
}
