package rendezvous

import (
	"context"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dropnet/internal/proto"
	"dropnet/internal/transport"
)

const (
	defaultMaxBackoffSec    = 300
	defaultPingSec          = 30
	defaultRosterRefreshSec = 60
	backoffBase             = 2 * time.Second
	backoffJitter           = 1 * time.Second
)

// Handler receives messages routed to this node by the rendezvous server.
// Callbacks run on the client's read loop goroutine.
type Handler interface {
	OnRoster(peers []proto.PeerInfo)
	OnOffer(m proto.OfferMsg)
	OnAnswer(m proto.AnswerMsg)
	OnCandidate(m proto.CandidateMsg)
}

// Client maintains a registered link to the rendezvous server, reconnecting
// with capped exponential backoff when the link drops.
type Client struct {
	addr    string
	self    proto.PeerInfo
	handler Handler
	log     *logrus.Logger
	rng     *rand.Rand

	mu        sync.Mutex
	link      *transport.Link
	failCount int
	closed    bool
	cancel    context.CancelFunc
}

// SetHandler installs the handler before Run. It exists so callers can break
// the construction cycle between the client and the component consuming its
// callbacks.
func (c *Client) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

type ClientOptions struct {
	Logger *logrus.Logger
}

func NewClient(addr string, self proto.PeerInfo, handler Handler, opts ClientOptions) *Client {
	log := opts.Logger
	if log == nil {
		log = logrus.New()
	}
	return &Client{
		addr:    addr,
		self:    self,
		handler: handler,
		log:     log,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run connects, registers, and keeps the link alive until ctx is done or
// Close is called. The first successful registration unblocks the returned
// error being nil; callers run it on its own goroutine.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return
		}
		link, err := c.connect(ctx)
		if err != nil {
			wait := c.nextBackoff()
			c.log.WithError(err).WithField("retry_in", wait.String()).Debug("rendezvous connect failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		c.mu.Lock()
		c.link = link
		c.failCount = 0
		c.mu.Unlock()
		c.log.WithField("addr", c.addr).Info("rendezvous connected")

		done := make(chan struct{})
		go c.keepalive(ctx, link, done)
		c.readLoop(ctx, link)
		close(done)

		c.mu.Lock()
		if c.link == link {
			c.link = nil
		}
		closed := c.closed
		c.mu.Unlock()
		_ = link.Close()
		if closed {
			return
		}
	}
}

func (c *Client) connect(ctx context.Context) (*transport.Link, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout())
	defer cancel()
	link, err := transport.Dial(dialCtx, c.addr)
	if err != nil {
		return nil, err
	}
	data, err := proto.EncodeRegister(proto.RegisterMsg{Peer: c.self})
	if err != nil {
		_ = link.Close()
		return nil, err
	}
	if err := link.Send(data); err != nil {
		_ = link.Close()
		return nil, err
	}
	return link, nil
}

func (c *Client) readLoop(ctx context.Context, link *transport.Link) {
	for {
		frame, err := link.Recv()
		if err != nil {
			if ctx.Err() == nil {
				c.log.WithError(err).Debug("rendezvous link lost")
			}
			return
		}
		typ, err := proto.MessageType(frame)
		if err != nil {
			c.log.WithError(err).Debug("rendezvous bad frame")
			continue
		}
		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler == nil {
			continue
		}
		switch typ {
		case proto.MsgTypeRoster:
			m, err := proto.DecodeRoster(frame)
			if err == nil {
				handler.OnRoster(m.Peers)
			}
		case proto.MsgTypeOffer:
			m, err := proto.DecodeOffer(frame)
			if err == nil {
				handler.OnOffer(m)
			}
		case proto.MsgTypeAnswer:
			m, err := proto.DecodeAnswer(frame)
			if err == nil {
				handler.OnAnswer(m)
			}
		case proto.MsgTypeCandidate:
			m, err := proto.DecodeCandidate(frame)
			if err == nil {
				handler.OnCandidate(m)
			}
		case proto.MsgTypePong:
		default:
			c.log.WithField("type", typ).Debug("rendezvous unexpected msg")
		}
	}
}

// keepalive pings the server and periodically asks for a fresh roster so
// evicted peer sessions re-enter negotiation without waiting for a
// membership change.
func (c *Client) keepalive(ctx context.Context, link *transport.Link, done <-chan struct{}) {
	ping := time.NewTicker(pingInterval())
	refresh := time.NewTicker(rosterRefreshInterval())
	defer ping.Stop()
	defer refresh.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ping.C:
			if data, err := proto.EncodePing(); err == nil {
				_ = link.Send(data)
			}
		case <-refresh.C:
			if data, err := proto.EncodeRequestRoster(); err == nil {
				_ = link.Send(data)
			}
		}
	}
}

// RequestRoster asks the server to re-send the current roster immediately.
func (c *Client) RequestRoster() error {
	data, err := proto.EncodeRequestRoster()
	if err != nil {
		return err
	}
	return c.send(data)
}

func (c *Client) send(data []byte) error {
	c.mu.Lock()
	link := c.link
	c.mu.Unlock()
	if link == nil {
		return ErrNotRegistered
	}
	return link.Send(data)
}

func (c *Client) SendOffer(m proto.OfferMsg) error {
	data, err := proto.EncodeOffer(m)
	if err != nil {
		return err
	}
	return c.send(data)
}

func (c *Client) SendAnswer(m proto.AnswerMsg) error {
	data, err := proto.EncodeAnswer(m)
	if err != nil {
		return err
	}
	return c.send(data)
}

func (c *Client) SendCandidate(m proto.CandidateMsg) error {
	data, err := proto.EncodeCandidate(m)
	if err != nil {
		return err
	}
	return c.send(data)
}

// Connected reports whether a registered link is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	link := c.link
	c.link = nil
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if link != nil {
		return link.Close()
	}
	return nil
}

func (c *Client) nextBackoff() time.Duration {
	c.mu.Lock()
	c.failCount++
	shift := c.failCount - 1
	c.mu.Unlock()
	if shift > 30 {
		shift = 30
	}
	backoff := backoffBase * time.Duration(1<<shift)
	jitter := time.Duration(c.rng.Int63n(int64(backoffJitter)))
	raw := backoff + jitter
	if cap := maxBackoff(); raw > cap {
		return cap
	}
	return raw
}

func maxBackoff() time.Duration {
	if v, ok := envInt("DROPNET_RENDEZVOUS_MAX_BACKOFF_SEC"); ok && v > 0 {
		return time.Duration(v) * time.Second
	}
	return time.Duration(defaultMaxBackoffSec) * time.Second
}

func pingInterval() time.Duration {
	if v, ok := envInt("DROPNET_RENDEZVOUS_PING_SEC"); ok && v > 0 {
		return time.Duration(v) * time.Second
	}
	return defaultPingSec * time.Second
}

func rosterRefreshInterval() time.Duration {
	if v, ok := envInt("DROPNET_ROSTER_REFRESH_SEC"); ok && v > 0 {
		return time.Duration(v) * time.Second
	}
	return defaultRosterRefreshSec * time.Second
}

func dialTimeout() time.Duration {
	if v, ok := envInt("DROPNET_DIAL_TIMEOUT_MS"); ok && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return 8 * time.Second
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
