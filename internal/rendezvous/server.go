package rendezvous

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"dropnet/internal/proto"
	"dropnet/internal/transport"
)

// Server is the introduction point. It keeps a roster of online nodes and
// routes session negotiation messages between them. It never sees message
// plaintext: only node ids, public keys, and transport addresses pass
// through it.

type Server struct {
	log *logrus.Logger

	mu      sync.Mutex
	clients map[string]*serverClient

	ln *transport.Listener
}

type serverClient struct {
	info proto.PeerInfo
	link *transport.Link
}

type ServerOptions struct {
	Logger *logrus.Logger
}

func NewServer(opts ServerOptions) *Server {
	log := opts.Logger
	if log == nil {
		log = logrus.New()
	}
	return &Server{
		log:     log,
		clients: make(map[string]*serverClient),
	}
}

// Listen binds addr and serves until Close.
func (s *Server) Listen(addr string) error {
	ln, err := transport.Listen(addr, s.log, s.handleLink)
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr()
}

func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	s.mu.Lock()
	for _, c := range s.clients {
		_ = c.link.Close()
	}
	s.clients = make(map[string]*serverClient)
	s.mu.Unlock()
	return err
}

func (s *Server) handleLink(link *transport.Link) {
	// First frame must be a register; everything else on the link is routed.
	frame, err := link.Recv()
	if err != nil {
		_ = link.Close()
		return
	}
	reg, err := proto.DecodeRegister(frame)
	if err != nil {
		s.log.WithError(err).Debug("rendezvous register rejected")
		_ = link.Close()
		return
	}
	nodeID := reg.Peer.NodeID

	s.mu.Lock()
	if prev, ok := s.clients[nodeID]; ok {
		_ = prev.link.Close()
	}
	s.clients[nodeID] = &serverClient{info: reg.Peer, link: link}
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"node": nodeID, "addr": link.RemoteAddr()}).Info("node registered")
	s.broadcastRoster()

	for {
		frame, err := link.Recv()
		if err != nil {
			break
		}
		if err := s.route(nodeID, frame); err != nil {
			s.log.WithError(err).WithField("node", nodeID).Debug("rendezvous route failed")
		}
	}

	s.mu.Lock()
	if cur, ok := s.clients[nodeID]; ok && cur.link == link {
		delete(s.clients, nodeID)
	}
	s.mu.Unlock()
	_ = link.Close()
	s.log.WithField("node", nodeID).Info("node departed")
	s.broadcastRoster()
}

// route forwards a negotiation message to its target. The sender field is
// stamped server-side so a client cannot speak on another node's behalf.
func (s *Server) route(fromNodeID string, frame []byte) error {
	typ, err := proto.MessageType(frame)
	if err != nil {
		return err
	}
	var target string
	var out []byte
	switch typ {
	case proto.MsgTypeOffer:
		m, err := proto.DecodeOffer(frame)
		if err != nil {
			return err
		}
		m.FromNodeID = fromNodeID
		target = m.TargetNodeID
		out, err = proto.EncodeOffer(m)
		if err != nil {
			return err
		}
	case proto.MsgTypeAnswer:
		m, err := proto.DecodeAnswer(frame)
		if err != nil {
			return err
		}
		m.FromNodeID = fromNodeID
		target = m.TargetNodeID
		out, err = proto.EncodeAnswer(m)
		if err != nil {
			return err
		}
	case proto.MsgTypeCandidate:
		m, err := proto.DecodeCandidate(frame)
		if err != nil {
			return err
		}
		m.FromNodeID = fromNodeID
		target = m.TargetNodeID
		out, err = proto.EncodeCandidate(m)
		if err != nil {
			return err
		}
	case proto.MsgTypeRequestRoster:
		// Re-scan request: only the asking client gets a fresh roster.
		s.mu.Lock()
		c, ok := s.clients[fromNodeID]
		s.mu.Unlock()
		if !ok {
			return nil
		}
		data, err := proto.EncodeRoster(proto.RosterMsg{Peers: s.rosterSnapshot()})
		if err != nil {
			return err
		}
		return c.link.Send(data)
	case proto.MsgTypePing:
		s.mu.Lock()
		c, ok := s.clients[fromNodeID]
		s.mu.Unlock()
		if !ok {
			return nil
		}
		pong, err := proto.EncodePong()
		if err != nil {
			return err
		}
		return c.link.Send(pong)
	default:
		return fmt.Errorf("unroutable msg type: %s", typ)
	}

	s.mu.Lock()
	dst, ok := s.clients[target]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("target offline: %s", target)
	}
	return dst.link.Send(out)
}

func (s *Server) rosterSnapshot() []proto.PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]proto.PeerInfo, 0, len(s.clients))
	for _, c := range s.clients {
		peers = append(peers, c.info)
	}
	return peers
}

func (s *Server) broadcastRoster() {
	s.mu.Lock()
	links := make([]*transport.Link, 0, len(s.clients))
	for _, c := range s.clients {
		links = append(links, c.link)
	}
	s.mu.Unlock()

	data, err := proto.EncodeRoster(proto.RosterMsg{Peers: s.rosterSnapshot()})
	if err != nil {
		return
	}
	for _, link := range links {
		if err := link.Send(data); err != nil {
			s.log.WithError(err).Debug("roster send failed")
		}
	}
}
