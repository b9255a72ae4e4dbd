package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sessionwire/sessionwire/protocol"
	"github.com/sessionwire/sessionwire/swerrors"
)

// SubscribeOptions selects a channel and its handlers. OnEvent runs on the
// read-loop goroutine and must not block.
type SubscribeOptions struct {
	Channel   string
	SessionID string
	ProjectID string
	Provider  string

	OnEvent func(event json.RawMessage)
	OnOpen  func()
	OnError func(err error)
	OnClose func()
}

// Subscription is one live event stream. Subscriptions do not survive a
// transport reconnect; consumers re-subscribe on the connected transition.
type Subscription struct {
	id   string
	c    *Client
	opts SubscribeOptions

	mu     sync.Mutex
	opened bool
	done   bool
	openCh chan error
}

// ID reports the client-chosen subscription ID.
func (s *Subscription) ID() string { return s.id }

// Close unsubscribes and runs OnClose.
func (s *Subscription) Close() {
	s.c.subsMu.Lock()
	_, live := s.c.subs[s.id]
	delete(s.c.subs, s.id)
	s.c.subsMu.Unlock()
	if !live {
		return
	}
	_ = s.c.sendMessage(context.Background(), &protocol.Unsubscribe{
		Type: protocol.TypeUnsubscribe, ID: s.id,
	})
	s.finish(nil)
}

// finish marks the subscription dead and fires the matching handler once.
func (s *Subscription) finish(err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	opened := s.opened
	s.mu.Unlock()

	if err != nil {
		if !opened {
			select {
			case s.openCh <- err:
			default:
			}
		}
		if s.opts.OnError != nil {
			s.opts.OnError(err)
		}
		return
	}
	if s.opts.OnClose != nil {
		s.opts.OnClose()
	}
}

// Subscribe opens a subscription and waits for the server's connected event.
// A server-side refusal (unknown channel, no live process, ID collision)
// returns the structured error immediately.
func (c *Client) Subscribe(ctx context.Context, opts SubscribeOptions) (*Subscription, error) {
	if opts.Channel == "" {
		return nil, swerrors.New(swerrors.StageValidate, swerrors.CodeInvalidInput)
	}
	sub := &Subscription{
		id:     newID(),
		c:      c,
		opts:   opts,
		openCh: make(chan error, 1),
	}
	c.subsMu.Lock()
	c.subs[sub.id] = sub
	c.subsMu.Unlock()

	err := c.sendMessage(ctx, &protocol.Subscribe{
		Type:      protocol.TypeSubscribe,
		ID:        sub.id,
		Channel:   opts.Channel,
		SessionID: opts.SessionID,
		ProjectID: opts.ProjectID,
		Provider:  opts.Provider,
	})
	if err != nil {
		c.dropSubscription(sub.id)
		return nil, err
	}

	timeout := time.NewTimer(c.opts.requestTimeout)
	defer timeout.Stop()
	select {
	case <-ctx.Done():
		c.dropSubscription(sub.id)
		return nil, swerrors.Wrap(swerrors.StageSubscribe, swerrors.CodeCanceled, ctx.Err())
	case <-timeout.C:
		c.dropSubscription(sub.id)
		return nil, swerrors.New(swerrors.StageSubscribe, swerrors.CodeRequestTimeout)
	case err := <-sub.openCh:
		if err != nil {
			c.dropSubscription(sub.id)
			return nil, err
		}
		return sub, nil
	}
}

func (c *Client) dropSubscription(id string) {
	c.subsMu.Lock()
	delete(c.subs, id)
	c.subsMu.Unlock()
}

// routeEvent delivers one event frame to its subscription. Connected and
// heartbeat events are control signals, not payloads.
func (c *Client) routeEvent(msg *protocol.Event) {
	c.subsMu.Lock()
	sub, ok := c.subs[msg.SubscriptionID]
	c.subsMu.Unlock()
	if !ok {
		return
	}
	var control struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(msg.Event, &control)
	switch control.Type {
	case "connected":
		sub.mu.Lock()
		first := !sub.opened
		sub.opened = true
		sub.mu.Unlock()
		if first {
			select {
			case sub.openCh <- nil:
			default:
			}
			if sub.opts.OnOpen != nil {
				sub.opts.OnOpen()
			}
		}
		return
	case "heartbeat":
		c.manager.RecordHeartbeat()
		return
	}
	if sub.opts.OnEvent != nil {
		sub.opts.OnEvent(msg.Event)
	}
}

// routeSubscribeFailure handles a response frame whose ID belongs to a
// subscription: the server's refusal.
func (c *Client) routeSubscribeFailure(msg *protocol.Response) {
	c.subsMu.Lock()
	sub, ok := c.subs[msg.ID]
	delete(c.subs, msg.ID)
	c.subsMu.Unlock()
	if !ok {
		return
	}
	sub.finish(&swerrors.Error{
		Stage:  swerrors.StageSubscribe,
		Code:   swerrors.CodeSubscriptionFailed,
		Status: msg.Status,
		Err:    fmt.Errorf("%s", responseErrorText(msg)),
	})
}

// closeSubscriptions tears every subscription down, with an error for a
// transport loss or nil for a clean client close.
func (c *Client) closeSubscriptions(cause error) {
	c.subsMu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[string]*Subscription)
	c.subsMu.Unlock()
	for _, sub := range subs {
		sub.finish(cause)
	}
}
