// Package client implements the client side of the session transport: the
// transport orchestrator that owns the single socket per host, the SRP and
// resume authentication flows, the request tunnel, subscriptions, uploads,
// and the reconnection manager.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/sessionwire/sessionwire/crypto/seal"
	"github.com/sessionwire/sessionwire/internal/logging"
	"github.com/sessionwire/sessionwire/protocol"
	"github.com/sessionwire/sessionwire/realtime/ws"
	"github.com/sessionwire/sessionwire/swerrors"
	"github.com/sessionwire/sessionwire/wire"
)

// Client owns exactly one live transport to a host. Direct and relayed
// endpoints are interchangeable: both are WebSocket URLs.
type Client struct {
	endpoint string
	opts     connectOptions
	log      *slog.Logger
	manager  *Manager

	mu            sync.Mutex
	sock          *ws.Conn
	key           *seal.Key
	sessionID     string
	outSeq        uint64
	inSeq         uint64
	seenIn        bool
	serverFormats map[byte]bool
	binaryPeer    bool
	readGen       int
	closed        bool

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Response

	subsMu sync.Mutex
	subs   map[string]*Subscription

	uploadMu sync.Mutex
	uploads  map[string]*uploadState
}

// Connect dials endpoint, authenticates, and returns a live client. The
// authentication mode follows the options: a stored session resumes, a
// password runs the SRP handshake, neither means trusted-local plaintext.
func Connect(ctx context.Context, endpoint string, opts ...ConnectOption) (*Client, error) {
	cfg, err := applyConnectOptions(opts)
	if err != nil {
		return nil, swerrors.Wrap(swerrors.StageValidate, swerrors.CodeInvalidInput, err)
	}
	c := &Client{
		endpoint: endpoint,
		opts:     cfg,
		log:      logging.Or(cfg.logger).With("component", "client"),
		pending:  make(map[string]chan *protocol.Response),
		subs:     make(map[string]*Subscription),
		uploads:  make(map[string]*uploadState),
	}
	c.manager = NewManager(c.log, cfg.observer, c.managerCallbacks())
	if err := c.establish(ctx); err != nil {
		return nil, err
	}
	if cfg.autoManage {
		c.manager.Start(c.reconnect)
	}
	return c, nil
}

func (c *Client) managerCallbacks() ManagerCallbacks {
	cb := c.opts.callbacks
	outer := cb.SendPing
	cb.SendPing = func(id string) error {
		if outer != nil {
			if err := outer(id); err != nil {
				return err
			}
		}
		return c.sendMessage(context.Background(), &protocol.Ping{Type: protocol.TypePing, ID: id})
	}
	return cb
}

// Manager exposes the reconnection manager for state observation and
// visibility signals.
func (c *Client) Manager() *Manager { return c.manager }

// SessionID reports the live session ID, empty in plaintext mode.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// establish dials and authenticates, replacing the client's transport.
func (c *Client) establish(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	dialCtx := ctx
	if c.opts.connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.opts.connectTimeout)
		defer cancel()
	}
	sock, _, err := ws.Dial(dialCtx, c.endpoint, ws.DialOptions{
		Header: c.opts.header,
		Dialer: c.opts.dialer,
	})
	if err != nil {
		return swerrors.Wrap(swerrors.StageConnect, swerrors.CodeTransportClosed, err)
	}
	sock.SetReadLimit(c.opts.readLimit)

	key, sessionID, err := c.authenticate(ctx, sock)
	if err != nil {
		_ = sock.Close()
		return err
	}

	c.mu.Lock()
	old := c.sock
	c.sock = sock
	c.key = key
	c.sessionID = sessionID
	c.outSeq = 0
	c.inSeq = 0
	c.seenIn = false
	c.serverFormats = map[byte]bool{wire.FormatJSON: true}
	c.binaryPeer = false
	c.readGen++
	gen := c.readGen
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	if err := c.sendMessage(ctx, &protocol.Capabilities{
		Type: protocol.TypeCapabilities,
		Formats: []int{
			int(wire.FormatJSON),
			int(wire.FormatBinaryUpload),
			int(wire.FormatCompressedJSON),
		},
	}); err != nil {
		return err
	}
	go c.readLoop(sock, gen)
	return nil
}

// reconnect is the manager's reconnect function.
func (c *Client) reconnect() error {
	return c.establish(context.Background())
}

// Close tears the client down. Pending operations fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sock := c.sock
	c.sock = nil
	c.mu.Unlock()

	c.manager.Stop()
	if sock != nil {
		_ = sock.CloseWithStatus(websocket.CloseNormalClosure, "client closed")
	}
	c.failPending(ErrClosed)
	c.closeSubscriptions(nil)
	return nil
}

// sendMessage encodes and delivers one protocol message, sealing it when the
// connection is encrypted. Safe for concurrent use.
func (c *Client) sendMessage(ctx context.Context, v any) error {
	payload, err := protocol.Marshal(v)
	if err != nil {
		return fmt.Errorf("client: encode message: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendPayloadLocked(ctx, payload)
}

func (c *Client) sendPayloadLocked(ctx context.Context, payload []byte) error {
	if c.closed {
		return ErrClosed
	}
	if c.sock == nil {
		return ErrNotConnected
	}
	if c.key == nil {
		return c.writeLocked(ctx, websocket.TextMessage, payload)
	}
	seq := c.outSeq
	c.outSeq++
	sequenced, err := wire.EncodeSequencedJSON(seq, payload)
	if err != nil {
		return fmt.Errorf("client: sequence payload: %w", err)
	}
	mt, frame, err := c.sealLocked(sequenced)
	if err != nil {
		return err
	}
	return c.writeLocked(ctx, mt, frame)
}

// sealLocked wraps a sequenced JSON payload in the envelope the server
// understands: the legacy JSON envelope until the server has announced its
// capabilities, the binary envelope afterwards. The legacy envelope carries
// uncompressed JSON only.
func (c *Client) sealLocked(sequenced []byte) (int, []byte, error) {
	if !c.binaryPeer {
		frame, err := wire.SealJSONEnvelope(c.key, sequenced)
		if err != nil {
			return 0, nil, fmt.Errorf("client: seal: %w", err)
		}
		return websocket.TextMessage, frame, nil
	}
	format := wire.FormatJSON
	if len(sequenced) >= 8<<10 && c.serverFormats[wire.FormatCompressedJSON] {
		compressed, err := wire.CompressJSON(sequenced)
		if err == nil && len(compressed) < len(sequenced) {
			sequenced = compressed
			format = wire.FormatCompressedJSON
		}
	}
	frame, err := wire.SealEnvelope(c.key, format, sequenced)
	if err != nil {
		return 0, nil, fmt.Errorf("client: seal: %w", err)
	}
	return websocket.BinaryMessage, frame, nil
}

// sendUploadPayload delivers one binary upload payload, sealed and sequenced
// on encrypted connections, format-tagged in plaintext mode.
func (c *Client) sendUploadPayload(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.sock == nil {
		return ErrNotConnected
	}
	if c.key == nil {
		return c.writeLocked(ctx, websocket.BinaryMessage, wire.EncodeFrame(wire.FormatBinaryUpload, payload))
	}
	// Uploads begin only after an upload_start round trip, so the server's
	// capabilities have arrived and the binary envelope is safe here.
	seq := c.outSeq
	c.outSeq++
	frame, err := wire.SealEnvelope(c.key, wire.FormatBinaryUpload, wire.EncodeSequencedBinary(seq, payload))
	if err != nil {
		return fmt.Errorf("client: seal upload: %w", err)
	}
	return c.writeLocked(ctx, websocket.BinaryMessage, frame)
}

func (c *Client) writeLocked(ctx context.Context, mt int, data []byte) error {
	if err := c.sock.WriteMessage(ctx, mt, data); err != nil {
		return swerrors.Wrap(swerrors.StageRequest, swerrors.CodeSendFailed, err)
	}
	return nil
}

// readLoop consumes frames from one transport generation until it dies.
func (c *Client) readLoop(sock *ws.Conn, gen int) {
	for {
		mt, data, err := sock.ReadMessage(context.Background())
		if err != nil {
			c.handleTransportLoss(sock, gen, err)
			return
		}
		if len(data) == 0 {
			continue
		}
		c.manager.RecordEvent()
		if err := c.handleFrame(mt, data); err != nil {
			c.log.Warn("frame handling failed", "err", err)
			_ = sock.CloseWithStatus(websocket.CloseProtocolError, "protocol violation")
			c.handleTransportLoss(sock, gen, err)
			return
		}
	}
}

// handleTransportLoss fails pending operations and notifies the manager,
// unless a newer transport already superseded this one.
func (c *Client) handleTransportLoss(sock *ws.Conn, gen int, cause error) {
	c.mu.Lock()
	current := c.readGen == gen
	closed := c.closed
	if current {
		c.sock = nil
	}
	c.mu.Unlock()
	if !current || closed {
		return
	}

	err := mapCloseError(cause)
	c.failPending(err)
	c.closeSubscriptions(err)
	c.failUploads(err)
	c.manager.HandleClose(err)
}

// mapCloseError turns a websocket close into the structured taxonomy so the
// manager can decide retryability.
func mapCloseError(err error) error {
	var ce *websocket.CloseError
	if ok := asCloseError(err, &ce); ok {
		return swerrors.Wrap(swerrors.StageClose, swerrors.FromCloseCode(ce.Code), err)
	}
	return swerrors.Wrap(swerrors.StageClose, swerrors.CodeConnectionClosed, err)
}

func asCloseError(err error, target **websocket.CloseError) bool {
	for err != nil {
		if ce, ok := err.(*websocket.CloseError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// handleFrame decodes one inbound frame and dispatches the message.
func (c *Client) handleFrame(mt int, data []byte) error {
	c.mu.Lock()
	key := c.key
	c.mu.Unlock()

	switch mt {
	case websocket.BinaryMessage:
		if key == nil {
			return fmt.Errorf("client: unexpected binary frame on plaintext connection")
		}
		format, plain, err := wire.OpenEnvelope(key, data)
		if err != nil {
			return fmt.Errorf("client: open envelope: %w", err)
		}
		if format == wire.FormatCompressedJSON {
			plain, err = wire.DecompressJSON(plain, wire.DefaultMaxInflateBytes)
			if err != nil {
				return fmt.Errorf("client: decompress: %w", err)
			}
		}
		return c.handleSequenced(plain)
	case websocket.TextMessage:
		t, err := protocol.Sniff(data)
		if err != nil {
			c.log.Warn("unparseable frame ignored", "err", err)
			return nil
		}
		if t == protocol.TypeEncrypted {
			if key == nil {
				return fmt.Errorf("client: encrypted frame without a key")
			}
			plain, err := wire.OpenJSONEnvelope(key, data)
			if err != nil {
				return fmt.Errorf("client: open envelope: %w", err)
			}
			return c.handleSequenced(plain)
		}
		if key != nil && !protocol.IsHandshake(t) {
			// Post-handshake plaintext from an encrypted server is a
			// downgrade attempt.
			return fmt.Errorf("client: plaintext %q on encrypted connection", t)
		}
		return c.dispatch(data)
	default:
		return nil
	}
}

func (c *Client) handleSequenced(plain []byte) error {
	seq, msg, err := wire.DecodeSequencedJSON(plain)
	if err != nil {
		return fmt.Errorf("client: sequenced payload: %w", err)
	}
	c.mu.Lock()
	ok := !c.seenIn || seq > c.inSeq
	if ok {
		c.seenIn = true
		c.inSeq = seq
	}
	c.mu.Unlock()
	if !ok {
		return swerrors.New(swerrors.StageRoute, swerrors.CodeSequenceViolation)
	}
	return c.dispatch(msg)
}

// dispatch routes one decoded application message.
func (c *Client) dispatch(data []byte) error {
	t, v, err := protocol.Decode(data)
	if err != nil {
		c.log.Warn("undecodable message ignored", "type", t, "err", err)
		return nil
	}
	switch msg := v.(type) {
	case *protocol.Response:
		c.resolvePending(msg)
	case *protocol.Event:
		c.routeEvent(msg)
	case *protocol.Pong:
		c.manager.ReceivePong(msg.ID)
	case *protocol.Ping:
		go func() {
			_ = c.sendMessage(context.Background(), &protocol.Pong{Type: protocol.TypePong, ID: msg.ID})
		}()
	case *protocol.Capabilities:
		c.mu.Lock()
		for _, f := range msg.Formats {
			if f > 0 && f < 256 && wire.KnownFormat(byte(f)) {
				c.serverFormats[byte(f)] = true
			}
		}
		c.binaryPeer = true
		c.mu.Unlock()
	case *protocol.UploadProgress:
		c.routeUploadProgress(msg)
	case *protocol.UploadComplete:
		c.routeUploadComplete(msg)
	case *protocol.UploadError:
		c.routeUploadError(msg)
	default:
		c.log.Debug("unhandled message type ignored", "type", t)
	}
	return nil
}

// resolvePending completes a pending request, or routes a subscription
// failure when the ID belongs to a subscription instead.
func (c *Client) resolvePending(msg *protocol.Response) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- msg
		return
	}
	c.routeSubscribeFailure(msg)
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *protocol.Response)
	c.pendingMu.Unlock()
	for _, ch := range pending {
		ch <- &protocol.Response{
			Type: protocol.TypeResponse, Status: 0,
			Error: fmt.Sprintf("transport lost: %v", err),
		}
	}
}
