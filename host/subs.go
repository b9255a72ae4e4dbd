package host

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sessionwire/sessionwire/protocol"
	"github.com/sessionwire/sessionwire/watch"
)

// subscription is one live event stream on a connection. Producer callbacks
// arrive on arbitrary goroutines; the sequenced send path serializes them.
type subscription struct {
	id      string
	channel string
	conn    *Conn

	seq  atomic.Uint64
	done chan struct{}

	closeOnce sync.Once
	cancel    func()
}

// emit delivers one producer event with the next per-subscription event ID.
func (sub *subscription) emit(ctx context.Context, event json.RawMessage) {
	select {
	case <-sub.done:
		return
	default:
	}
	err := sub.conn.sendMessage(ctx, &protocol.Event{
		Type:           protocol.TypeEvent,
		SubscriptionID: sub.id,
		EventID:        sub.seq.Add(1),
		Event:          event,
	})
	if err == nil {
		sub.conn.srv.obs.EventDelivered(sub.channel)
	}
}

// close runs the producer cleanup exactly once.
func (sub *subscription) close() {
	sub.closeOnce.Do(func() {
		close(sub.done)
		if sub.cancel != nil {
			sub.cancel()
		}
	})
}

var (
	connectedEvent = json.RawMessage(`{"type":"connected"}`)
	heartbeatEvent = json.RawMessage(`{"type":"heartbeat"}`)
)

// handleSubscribe validates and opens a subscription, emitting connected as
// its first event. Failures answer with a response frame carrying the
// subscription ID so the client can fail fast.
func (s *Server) handleSubscribe(ctx context.Context, c *Conn, msg *protocol.Subscribe) {
	subFail := func(status int, text string) {
		_ = c.sendMessage(ctx, &protocol.Response{
			Type: protocol.TypeResponse, ID: msg.ID, Status: status, Error: text,
		})
	}
	if msg.ID == "" {
		subFail(http.StatusBadRequest, "missing subscription id")
		return
	}
	if _, ok := c.subs[msg.ID]; ok {
		subFail(http.StatusConflict, "subscription id in use")
		return
	}

	sub := &subscription{id: msg.ID, channel: msg.Channel, conn: c, done: make(chan struct{})}
	forward := func(event json.RawMessage) { sub.emit(context.Background(), event) }

	var heartbeats bool
	switch msg.Channel {
	case protocol.ChannelSession:
		if msg.SessionID == "" {
			subFail(http.StatusBadRequest, "missing session id")
			return
		}
		proc, ok := s.supervisor.ProcessForSession(msg.SessionID)
		if !ok {
			subFail(http.StatusNotFound, "no active process for session")
			return
		}
		// Event IDs continue from the resume point so the subscriber's
		// dedup state stays valid across reconnects.
		sub.seq.Store(msg.LastEventID)
		sub.cancel = proc.Subscribe(msg.LastEventID, forward)
	case protocol.ChannelActivity:
		if s.activity == nil {
			subFail(http.StatusNotFound, "activity feed unavailable")
			return
		}
		sub.cancel = s.activity.Subscribe(forward)
		heartbeats = true
	case protocol.ChannelSessionWatch:
		if msg.SessionID == "" {
			subFail(http.StatusBadRequest, "missing session id")
			return
		}
		if s.watcher == nil {
			subFail(http.StatusNotFound, "session watch unavailable")
			return
		}
		target := watch.Target{SessionID: msg.SessionID, ProjectID: msg.ProjectID, Provider: msg.Provider}
		cancel, err := s.watcher.Subscribe(target, func(ev watch.Event) {
			raw, err := json.Marshal(ev)
			if err != nil {
				return
			}
			sub.emit(context.Background(), raw)
		})
		if err != nil {
			subFail(http.StatusBadRequest, "watch failed: "+err.Error())
			return
		}
		sub.cancel = cancel
		heartbeats = true
	default:
		subFail(http.StatusBadRequest, "unknown channel")
		return
	}

	c.subs[msg.ID] = sub
	s.obs.SubscriptionCount(int(s.subCount.Add(1)))
	sub.emit(ctx, connectedEvent)
	if heartbeats {
		go s.heartbeatLoop(sub)
	}
}

// heartbeatLoop emits a heartbeat event every interval until the subscription
// closes. Only channels whose producer does not heartbeat on its own get one.
func (s *Server) heartbeatLoop(sub *subscription) {
	t := time.NewTicker(s.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-sub.done:
			return
		case <-t.C:
			sub.emit(context.Background(), heartbeatEvent)
		}
	}
}

// handleUnsubscribe tears a subscription down. Unknown IDs are ignored: the
// close may race a server-side teardown.
func (s *Server) handleUnsubscribe(ctx context.Context, c *Conn, msg *protocol.Unsubscribe) {
	sub, ok := c.subs[msg.ID]
	if !ok {
		return
	}
	delete(c.subs, msg.ID)
	sub.close()
	s.obs.SubscriptionCount(int(s.subCount.Add(-1)))
}
