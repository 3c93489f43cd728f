package node

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dropnet/internal/envelope"
	"dropnet/internal/identity"
	"dropnet/internal/metrics"
	"dropnet/internal/peermgr"
	"dropnet/internal/proto"
	"dropnet/internal/queue"
	"dropnet/internal/rendezvous"
	"dropnet/internal/transport"
	"dropnet/internal/vault"
)

// Message is the stored form of a sent or received message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId"`
	Type           string    `json:"type"`
	Body           []byte    `json:"body"`
	SentAt         time.Time `json:"sentAt"`
	Delivered      bool      `json:"delivered"`
	Read           bool      `json:"read"`
}

// Conversation tracks one peer-to-peer thread.
type Conversation struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	LastMessage  string    `json:"lastMessage"`
}

// Contact is a peer whose public keys arrived on the roster.
type Contact struct {
	NodeID    string    `json:"nodeId"`
	SignPub   []byte    `json:"signPub"`
	EncPub    []byte    `json:"encPub"`
	FirstSeen time.Time `json:"firstSeen"`
}

// Events are the node's outward callbacks. All fire off internal goroutines;
// handlers must return promptly.
type Events struct {
	OnMessageVerified     func(msg Message)
	OnPeerConnected       func(nodeID string)
	OnPeerDisconnected    func(nodeID string)
	OnConversationUpdated func(conv Conversation)
	OnDeliveryExhausted   func(envelopeID, receiverID string)
}

type Options struct {
	Logger         *logrus.Logger
	Metrics        *metrics.Metrics
	ListenAddr     string
	RendezvousAddr string
	Events         Events
}

// Node wires the identity, vault, envelope engine, rendezvous client, peer
// manager, and delivery queue into one running endpoint.
type Node struct {
	self    *identity.Identity
	vault   *vault.Vault
	engine  *envelope.Engine
	mgr     *peermgr.Manager
	rzv     *rendezvous.Client
	queue   *queue.Queue
	ln      *transport.Listener
	log     *logrus.Logger
	metrics *metrics.Metrics
	events  Events
	cancel  context.CancelFunc
}

// New assembles a node around an opened vault holding an identity.
func New(v *vault.Vault, opts Options) (*Node, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.New()
	}
	self, err := identity.Load(v)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	n := &Node{
		self:    self,
		vault:   v,
		log:     log,
		metrics: opts.Metrics,
		events:  opts.Events,
	}
	n.engine = envelope.NewEngine(envelope.Options{
		Seen:   envelope.NewVaultSeenStore(v),
		Logger: log,
	})
	n.queue = queue.New(v, queue.Options{
		Logger:  log,
		Metrics: opts.Metrics,
		OnExhausted: func(d queue.PendingDelivery) {
			if n.events.OnDeliveryExhausted != nil {
				n.events.OnDeliveryExhausted(d.ID, d.ReceiverID)
			}
		},
	})

	// The listener needs its resolved address before the peer manager can
	// advertise it, so the link handler is installed after construction.
	ln, err := transport.Listen(opts.ListenAddr, log, nil)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	n.ln = ln

	n.rzv = rendezvous.NewClient(opts.RendezvousAddr, n.peerInfo(), nil, rendezvous.ClientOptions{Logger: log})
	n.mgr = peermgr.New(self, n.engine, n.rzv, peermgr.Events{
		OnPeerConnected:    n.handlePeerConnected,
		OnPeerDisconnected: n.handlePeerDisconnected,
		OnMessageVerified:  n.handleVerified,
	}, peermgr.Options{
		Logger:         log,
		Metrics:        opts.Metrics,
		AdvertiseAddrs: []string{ln.Addr()},
	})
	ln.SetOnLink(n.mgr.HandleInboundLink)
	n.rzv.SetHandler(&rosterRecorder{node: n})
	return n, nil
}

// rosterRecorder persists roster contacts before forwarding rendezvous
// traffic to the peer manager.
type rosterRecorder struct {
	node *Node
}

func (r *rosterRecorder) OnRoster(peers []proto.PeerInfo) {
	r.node.recordContacts(peers)
	r.node.mgr.OnRoster(peers)
}

func (r *rosterRecorder) OnOffer(m proto.OfferMsg) {
	r.node.mgr.OnOffer(m)
}

func (r *rosterRecorder) OnAnswer(m proto.AnswerMsg) {
	r.node.mgr.OnAnswer(m)
}

func (r *rosterRecorder) OnCandidate(m proto.CandidateMsg) {
	r.node.mgr.OnCandidate(m)
}

// Run connects to the rendezvous service and serves until ctx is done.
func (n *Node) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.rzv.Run(ctx)
}

func (n *Node) Close() error {
	if n.cancel != nil {
		n.cancel()
	}
	_ = n.rzv.Close()
	n.mgr.Close()
	return n.ln.Close()
}

func (n *Node) NodeID() string {
	return n.self.NodeID
}

func (n *Node) ListenAddr() string {
	return n.ln.Addr()
}

func (n *Node) PeerState(nodeID string) peermgr.State {
	return n.mgr.PeerState(nodeID)
}

func (n *Node) peerInfo() proto.PeerInfo {
	return proto.PeerInfo{
		NodeID:  n.self.NodeID,
		SignPub: base64.StdEncoding.EncodeToString(n.self.SignPub),
		EncPub:  base64.StdEncoding.EncodeToString(n.self.EncPub),
	}
}

// SendMessage seals a payload for the peer, records it, and either delivers
// it over an established link or queues it for later. It returns the
// envelope id.
func (n *Node) SendMessage(ctx context.Context, peerID, typ string, payload []byte) (string, error) {
	keys, ok := n.recipientKeys(peerID)
	if !ok {
		return "", fmt.Errorf("unknown peer: %s", peerID)
	}
	env, err := n.engine.Seal(payload, typ, n.self, keys)
	if err != nil {
		return "", err
	}
	msg := Message{
		ID:             env.ID,
		ConversationID: ConversationID(n.self.NodeID, peerID),
		SenderID:       n.self.NodeID,
		ReceiverID:     peerID,
		Type:           typ,
		Body:           payload,
		SentAt:         time.UnixMilli(env.Timestamp).UTC(),
	}
	msg.Delivered = n.mgr.Send(peerID, env)
	if err := n.storeMessage(msg); err != nil {
		return "", err
	}
	if err := n.upsertConversation(msg); err != nil {
		return "", err
	}
	if !msg.Delivered {
		if err := n.queue.Enqueue(peerID, env); err != nil {
			return "", err
		}
	}
	return env.ID, nil
}

// SendOffer seals a content offer for the peer. The item stays opaque to
// the messaging core.
func (n *Node) SendOffer(ctx context.Context, peerID, itemID string, item json.RawMessage, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = 5 * time.Minute
	}
	payload, err := json.Marshal(envelope.OfferPayload{
		OfferID:   uuid.NewString(),
		ItemID:    itemID,
		Item:      item,
		ExpiresAt: time.Now().Add(expiry).UnixMilli(),
	})
	if err != nil {
		return "", err
	}
	return n.SendMessage(ctx, peerID, envelope.TypeOffer, payload)
}

// MarkRead flags a stored message as read.
func (n *Node) MarkRead(messageID string) error {
	var msg Message
	ok, err := n.vault.Get(vault.ColMessages, messageID, &msg)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("unknown message: %s", messageID)
	}
	msg.Read = true
	return n.storeMessage(msg)
}

// Conversations lists every stored conversation, most recently updated
// first.
func (n *Node) Conversations() ([]Conversation, error) {
	return ListConversations(n.vault)
}

// ListConversations reads stored conversations straight from a vault, for
// callers that have no running node.
func ListConversations(v *vault.Vault) ([]Conversation, error) {
	var out []Conversation
	err := v.GetAll(vault.ColConversations, func(id string, plain []byte) error {
		var c Conversation
		if err := json.Unmarshal(plain, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Messages lists the stored messages between two peers in send order.
func (n *Node) Messages(peerA, peerB string) ([]Message, error) {
	convID := ConversationID(peerA, peerB)
	var out []Message
	err := n.vault.GetAll(vault.ColMessages, func(id string, plain []byte) error {
		var m Message
		if err := json.Unmarshal(plain, &m); err != nil {
			return err
		}
		if m.ConversationID == convID {
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out, nil
}

// Contacts lists every peer recorded from the roster.
func (n *Node) Contacts() ([]Contact, error) {
	var out []Contact
	err := n.vault.GetAll(vault.ColContacts, func(id string, plain []byte) error {
		var c Contact
		if err := json.Unmarshal(plain, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

// ConversationID derives the shared thread id for two peers. Both sides
// compute the same id regardless of direction.
func ConversationID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

func (n *Node) handlePeerConnected(peerID string) {
	if err := n.queue.FlushFor(peerID, func(env *envelope.Envelope) bool {
		return n.mgr.Send(peerID, env)
	}); err != nil {
		n.log.WithError(err).WithField("peer", peerID).Warn("queue flush failed")
	}
	if n.events.OnPeerConnected != nil {
		n.events.OnPeerConnected(peerID)
	}
}

func (n *Node) handlePeerDisconnected(peerID string) {
	if n.events.OnPeerDisconnected != nil {
		n.events.OnPeerDisconnected(peerID)
	}
}

func (n *Node) handleVerified(env *envelope.Envelope, plain []byte) {
	msg := Message{
		ID:             env.ID,
		ConversationID: ConversationID(env.SenderID, env.ReceiverID),
		SenderID:       env.SenderID,
		ReceiverID:     env.ReceiverID,
		Type:           env.Type,
		Body:           plain,
		SentAt:         time.UnixMilli(env.Timestamp).UTC(),
		Delivered:      true,
	}
	if err := n.storeMessage(msg); err != nil {
		n.log.WithError(err).WithField("envelope", env.ID).Warn("message store failed")
		return
	}
	if err := n.upsertConversation(msg); err != nil {
		n.log.WithError(err).WithField("envelope", env.ID).Warn("conversation upsert failed")
	}
	if n.events.OnMessageVerified != nil {
		n.events.OnMessageVerified(msg)
	}
}

func (n *Node) storeMessage(msg Message) error {
	return n.vault.Put(vault.ColMessages, msg.ID, msg)
}

func (n *Node) upsertConversation(msg Message) error {
	var conv Conversation
	ok, err := n.vault.Get(vault.ColConversations, msg.ConversationID, &conv)
	if err != nil {
		return err
	}
	if !ok {
		participants := []string{msg.SenderID, msg.ReceiverID}
		sort.Strings(participants)
		conv = Conversation{
			ID:           msg.ConversationID,
			Participants: participants,
			CreatedAt:    msg.SentAt,
		}
	}
	conv.UpdatedAt = msg.SentAt
	conv.LastMessage = msg.ID
	if err := n.vault.Put(vault.ColConversations, conv.ID, conv); err != nil {
		return err
	}
	if n.events.OnConversationUpdated != nil {
		n.events.OnConversationUpdated(conv)
	}
	return nil
}

// recipientKeys prefers the live roster and falls back to stored contacts,
// so messages can still be queued for peers that are currently offline.
func (n *Node) recipientKeys(peerID string) (identity.Keys, bool) {
	if keys, ok := n.mgr.PeerKeys(peerID); ok {
		return keys, true
	}
	var c Contact
	ok, err := n.vault.Get(vault.ColContacts, peerID, &c)
	if err != nil || !ok {
		return identity.Keys{}, false
	}
	return identity.Keys{NodeID: c.NodeID, SignPub: c.SignPub, EncPub: c.EncPub}, true
}

func (n *Node) recordContacts(peers []proto.PeerInfo) {
	for _, p := range peers {
		if p.NodeID == "" || p.NodeID == n.self.NodeID {
			continue
		}
		if ok, _ := n.vault.Get(vault.ColContacts, p.NodeID, nil); ok {
			continue
		}
		signPub, err := base64.StdEncoding.DecodeString(p.SignPub)
		if err != nil {
			continue
		}
		encPub, err := base64.StdEncoding.DecodeString(p.EncPub)
		if err != nil {
			continue
		}
		c := Contact{NodeID: p.NodeID, SignPub: signPub, EncPub: encPub, FirstSeen: time.Now().UTC()}
		if err := n.vault.Put(vault.ColContacts, c.NodeID, c); err != nil {
			n.log.WithError(err).WithField("peer", p.NodeID).Debug("contact store failed")
		}
	}
}
