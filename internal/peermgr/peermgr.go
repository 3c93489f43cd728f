package peermgr

import (
	"context"
	"encoding/base64"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dropnet/internal/envelope"
	"dropnet/internal/identity"
	"dropnet/internal/metrics"
	"dropnet/internal/proto"
	"dropnet/internal/transport"
)

const (
	defaultStaleTimeoutSec  = 300
	defaultSweepIntervalSec = 30
	defaultPingIntervalSec  = 60
	maxEarlyCandidates      = 16
)

type State string

const (
	StateUnknown      State = "unknown"
	StateNegotiating  State = "negotiating"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// Signaler carries session negotiation messages to a remote peer through the
// rendezvous service.
type Signaler interface {
	SendOffer(proto.OfferMsg) error
	SendAnswer(proto.AnswerMsg) error
	SendCandidate(proto.CandidateMsg) error
}

// Events are the manager's callbacks. All run off the manager's goroutines;
// handlers must not block for long.
type Events struct {
	OnPeerConnected    func(nodeID string)
	OnPeerDisconnected func(nodeID string)
	OnMessageVerified  func(env *envelope.Envelope, plaintext []byte)
}

type Options struct {
	Logger         *logrus.Logger
	Metrics        *metrics.Metrics
	AdvertiseAddrs []string
	StaleTimeout   time.Duration
	SweepInterval  time.Duration
	PingInterval   time.Duration
	Clock          func() time.Time
}

// Manager owns one session per remote peer and drives each through
// negotiating, connected, and disconnected. It implements
// rendezvous.Handler.
type Manager struct {
	self     *identity.Identity
	engine   *envelope.Engine
	signaler Signaler
	events   Events
	log      *logrus.Logger
	metrics  *metrics.Metrics
	clock    func() time.Time

	advertise []string
	stale     time.Duration
	sweepIvl  time.Duration
	pingIvl   time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	known    map[string]proto.PeerInfo
	early    map[string][]proto.Candidate

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type session struct {
	peerID    string
	sessionID string

	mu       sync.Mutex
	state    State
	link     *transport.Link
	helloOut bool
	helloIn  bool
	lastSeen time.Time
	dialed   map[string]bool
}

func New(self *identity.Identity, engine *envelope.Engine, signaler Signaler, events Events, opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = logrus.New()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		self:      self,
		engine:    engine,
		signaler:  signaler,
		events:    events,
		log:       log,
		metrics:   opts.Metrics,
		clock:     clock,
		advertise: opts.AdvertiseAddrs,
		stale:     staleTimeout(opts.StaleTimeout),
		sweepIvl:  sweepInterval(opts.SweepInterval),
		pingIvl:   pingInterval(opts.PingInterval),
		sessions:  make(map[string]*session),
		known:     make(map[string]proto.PeerInfo),
		early:     make(map[string][]proto.Candidate),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.wg.Add(2)
	go m.runSweep()
	go m.runKeepalive()
	return m
}

func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.mu.Lock()
		link := s.link
		s.link = nil
		s.state = StateDisconnected
		s.mu.Unlock()
		if link != nil {
			_ = link.Close()
		}
	}
	m.wg.Wait()
}

// PeerState reports the current session state for a node id.
func (m *Manager) PeerState(nodeID string) State {
	m.mu.Lock()
	s, ok := m.sessions[nodeID]
	m.mu.Unlock()
	if !ok {
		return StateUnknown
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnectedPeers lists node ids with an established link.
func (m *Manager) ConnectedPeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		s.mu.Lock()
		connected := s.state == StateConnected
		s.mu.Unlock()
		if connected {
			out = append(out, id)
		}
	}
	return out
}

// KnownPeer returns the roster entry for a node id, if the rendezvous
// service has announced it.
func (m *Manager) KnownPeer(nodeID string) (proto.PeerInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.known[nodeID]
	return info, ok
}

// PeerKeys decodes the announced public keys for a node id.
func (m *Manager) PeerKeys(nodeID string) (identity.Keys, bool) {
	info, ok := m.KnownPeer(nodeID)
	if !ok {
		return identity.Keys{}, false
	}
	signPub, err := base64.StdEncoding.DecodeString(info.SignPub)
	if err != nil {
		return identity.Keys{}, false
	}
	encPub, err := base64.StdEncoding.DecodeString(info.EncPub)
	if err != nil {
		return identity.Keys{}, false
	}
	return identity.Keys{NodeID: info.NodeID, SignPub: signPub, EncPub: encPub}, true
}

// OnRoster ingests the rendezvous roster and opens negotiations toward
// peers we have no live session with. Only the lexically smaller node id
// initiates, so both sides never offer at once.
func (m *Manager) OnRoster(peers []proto.PeerInfo) {
	for _, p := range peers {
		if p.NodeID == "" || p.NodeID == m.self.NodeID {
			continue
		}
		m.mu.Lock()
		m.known[p.NodeID] = p
		m.mu.Unlock()
		if m.self.NodeID >= p.NodeID {
			continue
		}
		st := m.PeerState(p.NodeID)
		if st == StateNegotiating || st == StateConnected {
			continue
		}
		if err := m.Connect(p); err != nil {
			m.log.WithError(err).WithField("peer", p.NodeID).Debug("negotiation start failed")
		}
	}
}

// Connect starts a fresh negotiation toward the peer: new session id, offer
// with our reachable addresses, then one candidate message per address.
func (m *Manager) Connect(p proto.PeerInfo) error {
	if p.NodeID == m.self.NodeID {
		return ErrSelfConnection
	}
	s := m.resetSession(p.NodeID, uuid.NewString())
	if err := m.signaler.SendOffer(proto.OfferMsg{
		TargetNodeID: p.NodeID,
		Session:      proto.SessionDescription{SessionID: s.sessionID, Addrs: m.advertise},
	}); err != nil {
		return err
	}
	m.sendCandidates(p.NodeID)
	return nil
}

// OnOffer answers an inbound offer and starts dialing the offered
// addresses. During glare the inbound offer from the smaller node id wins
// and replaces our own attempt.
func (m *Manager) OnOffer(offer proto.OfferMsg) {
	from := offer.FromNodeID
	if from == "" || from == m.self.NodeID {
		return
	}
	st := m.PeerState(from)
	if st == StateConnected {
		return
	}
	if st == StateNegotiating && m.self.NodeID < from {
		// We initiated and outrank them; our offer stands.
		return
	}
	s := m.resetSession(from, offer.Session.SessionID)
	if err := m.signaler.SendAnswer(proto.AnswerMsg{
		TargetNodeID: from,
		Session:      proto.SessionDescription{SessionID: s.sessionID, Addrs: m.advertise},
	}); err != nil {
		m.log.WithError(err).WithField("peer", from).Debug("answer send failed")
		return
	}
	m.sendCandidates(from)
	for _, addr := range offer.Session.Addrs {
		m.dialCandidate(s, addr)
	}
	m.replayEarly(s)
}

// OnAnswer starts dialing the answering side's addresses.
func (m *Manager) OnAnswer(answer proto.AnswerMsg) {
	s := m.lookupSession(answer.FromNodeID)
	if s == nil || answer.Session.SessionID != s.sessionID {
		return
	}
	for _, addr := range answer.Session.Addrs {
		m.dialCandidate(s, addr)
	}
	m.replayEarly(s)
}

// OnCandidate dials a candidate address, or buffers it when no session
// exists yet. Buffered candidates replay in arrival order once the session
// is created.
func (m *Manager) OnCandidate(c proto.CandidateMsg) {
	s := m.lookupSession(c.FromNodeID)
	if s == nil {
		m.bufferEarly(c.FromNodeID, c.Candidate)
		return
	}
	m.dialCandidate(s, c.Candidate.Addr)
}

// Send delivers a sealed envelope over the peer's established link. It
// reports false when the peer is not connected or the write fails.
func (m *Manager) Send(peerID string, env *envelope.Envelope) bool {
	s := m.lookupSession(peerID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	link := s.link
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected || link == nil {
		return false
	}
	data, err := proto.EncodeEnvelope(proto.EnvelopeMsg{Envelope: *env})
	if err != nil {
		return false
	}
	if err := link.Send(data); err != nil {
		m.log.WithError(err).WithField("peer", peerID).Debug("envelope send failed")
		m.linkLost(s, link)
		return false
	}
	if m.metrics != nil {
		m.metrics.IncEnvelopeSent()
	}
	return true
}

// HandleInboundLink adopts a link accepted by the transport listener. The
// remote side identifies itself with the first frame.
func (m *Manager) HandleInboundLink(link *transport.Link) {
	frame, err := link.Recv()
	if err != nil {
		_ = link.Close()
		return
	}
	hello, err := proto.DecodeHello(frame)
	if err != nil || hello.NodeID == m.self.NodeID {
		_ = link.Close()
		return
	}
	s := m.getOrCreateSession(hello.NodeID)
	if !m.attachLink(s, link) {
		return
	}
	s.mu.Lock()
	s.helloIn = true
	s.mu.Unlock()
	if err := m.sendHello(s, link); err != nil {
		m.linkLost(s, link)
		return
	}
	m.maybeConnected(s)
	m.wg.Add(1)
	go m.readLoop(s, link)
}

func (m *Manager) lookupSession(nodeID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[nodeID]
}

func (m *Manager) getOrCreateSession(nodeID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[nodeID]; ok {
		return s
	}
	s := &session{
		peerID:    nodeID,
		sessionID: uuid.NewString(),
		state:     StateNegotiating,
		lastSeen:  m.clock(),
		dialed:    make(map[string]bool),
	}
	m.sessions[nodeID] = s
	return s
}

// resetSession replaces any prior session for the peer with a fresh
// negotiating one.
func (m *Manager) resetSession(nodeID, sessionID string) *session {
	s := &session{
		peerID:    nodeID,
		sessionID: sessionID,
		state:     StateNegotiating,
		lastSeen:  m.clock(),
		dialed:    make(map[string]bool),
	}
	m.mu.Lock()
	prev := m.sessions[nodeID]
	m.sessions[nodeID] = s
	m.mu.Unlock()
	if prev != nil {
		prev.mu.Lock()
		link := prev.link
		prev.link = nil
		prev.state = StateDisconnected
		prev.mu.Unlock()
		if link != nil {
			_ = link.Close()
		}
	}
	return s
}

func (m *Manager) sendCandidates(target string) {
	for i, addr := range m.advertise {
		err := m.signaler.SendCandidate(proto.CandidateMsg{
			TargetNodeID: target,
			Candidate:    proto.Candidate{Addr: addr, Priority: len(m.advertise) - i},
		})
		if err != nil {
			m.log.WithError(err).WithField("peer", target).Debug("candidate send failed")
		}
	}
}

func (m *Manager) bufferEarly(nodeID string, c proto.Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := m.early[nodeID]
	if len(buf) >= maxEarlyCandidates {
		return
	}
	m.early[nodeID] = append(buf, c)
}

func (m *Manager) replayEarly(s *session) {
	m.mu.Lock()
	buf := m.early[s.peerID]
	delete(m.early, s.peerID)
	m.mu.Unlock()
	for _, c := range buf {
		m.dialCandidate(s, c.Addr)
	}
}

// dialCandidate races candidate addresses; the first link to finish the
// hello exchange wins and later ones are closed.
func (m *Manager) dialCandidate(s *session, addr string) {
	if addr == "" {
		return
	}
	s.mu.Lock()
	if s.dialed[addr] || s.state == StateConnected || s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.dialed[addr] = true
	s.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if m.metrics != nil {
			m.metrics.IncDialAttempts()
		}
		ctx, cancel := context.WithTimeout(m.ctx, dialTimeout())
		defer cancel()
		link, err := transport.Dial(ctx, addr)
		if err != nil {
			if m.metrics != nil {
				m.metrics.IncDialFail()
			}
			m.log.WithError(err).WithFields(logrus.Fields{"peer": s.peerID, "addr": addr}).Debug("candidate dial failed")
			return
		}
		if m.metrics != nil {
			m.metrics.IncDialSuccess()
		}
		if !m.attachLink(s, link) {
			return
		}
		if err := m.sendHello(s, link); err != nil {
			m.linkLost(s, link)
			return
		}
		m.wg.Add(1)
		go m.readLoop(s, link)
	}()
}

// attachLink installs the link unless the session already holds one.
func (m *Manager) attachLink(s *session, link *transport.Link) bool {
	s.mu.Lock()
	if s.link != nil || s.state == StateDisconnected {
		s.mu.Unlock()
		_ = link.Close()
		return false
	}
	s.link = link
	s.lastSeen = m.clock()
	s.mu.Unlock()
	return true
}

func (m *Manager) sendHello(s *session, link *transport.Link) error {
	data, err := proto.EncodeHello(proto.HelloMsg{NodeID: m.self.NodeID})
	if err != nil {
		return err
	}
	if err := link.Send(data); err != nil {
		return err
	}
	s.mu.Lock()
	s.helloOut = true
	s.mu.Unlock()
	return nil
}

func (m *Manager) maybeConnected(s *session) {
	s.mu.Lock()
	ready := s.helloOut && s.helloIn && s.link != nil && s.state == StateNegotiating
	if ready {
		s.state = StateConnected
		s.lastSeen = m.clock()
	}
	s.mu.Unlock()
	if !ready {
		return
	}
	m.log.WithField("peer", s.peerID).Info("peer connected")
	m.updateConnectedGauge()
	if m.events.OnPeerConnected != nil {
		m.events.OnPeerConnected(s.peerID)
	}
}

func (m *Manager) readLoop(s *session, link *transport.Link) {
	defer m.wg.Done()
	for {
		frame, err := link.Recv()
		if err != nil {
			m.linkLost(s, link)
			return
		}
		typ, err := proto.MessageType(frame)
		if err != nil {
			m.log.WithError(err).WithField("peer", s.peerID).Debug("bad peer frame")
			continue
		}
		s.mu.Lock()
		s.lastSeen = m.clock()
		s.mu.Unlock()
		switch typ {
		case proto.MsgTypeHello:
			s.mu.Lock()
			s.helloIn = true
			s.mu.Unlock()
			m.maybeConnected(s)
		case proto.MsgTypeEnvelope:
			msg, err := proto.DecodeEnvelope(frame)
			if err != nil {
				m.log.WithError(err).WithField("peer", s.peerID).Debug("bad envelope frame")
				continue
			}
			m.handleEnvelope(s, msg.Envelope)
		case proto.MsgTypePing:
			pong, err := proto.EncodePong()
			if err == nil {
				_ = link.Send(pong)
			}
		case proto.MsgTypePong:
		default:
			m.log.WithFields(logrus.Fields{"peer": s.peerID, "type": typ}).Debug("unexpected peer msg")
		}
	}
}

// handleEnvelope verifies and decrypts an inbound envelope. Failures are
// logged and dropped; a bad envelope never tears down the session.
func (m *Manager) handleEnvelope(s *session, env envelope.Envelope) {
	keys, ok := m.PeerKeys(env.SenderID)
	if !ok {
		m.log.WithField("sender", env.SenderID).Debug("envelope from unannounced sender dropped")
		if m.metrics != nil {
			m.metrics.IncEnvelopeDropVerify()
		}
		return
	}
	plain, err := m.engine.Open(&env, keys.SignPub, m.self)
	if err != nil {
		m.log.WithError(err).WithField("sender", env.SenderID).Warn("envelope rejected")
		if m.metrics != nil {
			m.metrics.IncEnvelopeDropVerify()
		}
		return
	}
	if m.metrics != nil {
		m.metrics.IncEnvelopeReceived()
	}
	if m.events.OnMessageVerified != nil {
		m.events.OnMessageVerified(&env, plain)
	}
}

func (m *Manager) linkLost(s *session, link *transport.Link) {
	s.mu.Lock()
	if s.link != link {
		s.mu.Unlock()
		_ = link.Close()
		return
	}
	s.link = nil
	wasConnected := s.state == StateConnected
	s.state = StateDisconnected
	s.helloOut = false
	s.helloIn = false
	s.mu.Unlock()
	_ = link.Close()
	if wasConnected {
		m.log.WithField("peer", s.peerID).Info("peer disconnected")
		m.updateConnectedGauge()
		if m.events.OnPeerDisconnected != nil {
			m.events.OnPeerDisconnected(s.peerID)
		}
	}
}

func (m *Manager) runSweep() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepIvl)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweepStale()
		}
	}
}

// sweepStale evicts sessions idle past the staleness timeout.
func (m *Manager) sweepStale() {
	now := m.clock()
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.mu.Lock()
		idle := now.Sub(s.lastSeen)
		active := s.state == StateConnected || s.state == StateNegotiating
		link := s.link
		s.mu.Unlock()
		if !active || idle < m.stale {
			continue
		}
		m.log.WithFields(logrus.Fields{"peer": s.peerID, "idle": idle.String()}).Info("stale peer evicted")
		if m.metrics != nil {
			m.metrics.IncEvicted()
		}
		if link != nil {
			m.linkLost(s, link)
			continue
		}
		s.mu.Lock()
		wasConnected := s.state == StateConnected
		s.state = StateDisconnected
		s.mu.Unlock()
		if wasConnected {
			m.updateConnectedGauge()
			if m.events.OnPeerDisconnected != nil {
				m.events.OnPeerDisconnected(s.peerID)
			}
		}
	}
}

func (m *Manager) runKeepalive() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.pingIvl)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.pingAll()
		}
	}
}

func (m *Manager) pingAll() {
	data, err := proto.EncodePing()
	if err != nil {
		return
	}
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.mu.Lock()
		link := s.link
		connected := s.state == StateConnected
		s.mu.Unlock()
		if !connected || link == nil {
			continue
		}
		if err := link.Send(data); err != nil {
			m.linkLost(s, link)
		}
	}
}

func (m *Manager) updateConnectedGauge() {
	if m.metrics == nil {
		return
	}
	m.metrics.SetConnected(uint64(len(m.ConnectedPeers())))
}

func staleTimeout(opt time.Duration) time.Duration {
	if opt > 0 {
		return opt
	}
	if v, ok := envInt("DROPNET_PEER_STALE_SEC"); ok && v > 0 {
		return time.Duration(v) * time.Second
	}
	return time.Duration(defaultStaleTimeoutSec) * time.Second
}

func sweepInterval(opt time.Duration) time.Duration {
	if opt > 0 {
		return opt
	}
	if v, ok := envInt("DROPNET_SWEEP_INTERVAL_SEC"); ok && v > 0 {
		return time.Duration(v) * time.Second
	}
	return time.Duration(defaultSweepIntervalSec) * time.Second
}

func pingInterval(opt time.Duration) time.Duration {
	if opt > 0 {
		return opt
	}
	if v, ok := envInt("DROPNET_PING_INTERVAL_SEC"); ok && v > 0 {
		return time.Duration(v) * time.Second
	}
	return time.Duration(defaultPingIntervalSec) * time.Second
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
