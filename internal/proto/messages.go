package proto

import (
	"encoding/json"
	"fmt"

	"dropnet/internal/envelope"
)

// Control-plane messages carried over the rendezvous channel and the framed
// messages carried over peer links. Payloads are decoded only after the type
// tag is known.

const (
	// rendezvous channel
	MsgTypeRegister      = "register"
	MsgTypeRoster        = "roster"
	MsgTypeRequestRoster = "requestRoster"
	MsgTypeOffer         = "offer"
	MsgTypeAnswer        = "answer"
	MsgTypeCandidate     = "candidate"

	// peer link
	MsgTypeHello    = "hello"
	MsgTypeEnvelope = "env"
	MsgTypePing     = "ping"
	MsgTypePong     = "pong"
)

// PeerInfo is the public identity material a node shares through the
// rendezvous service. Key fields are base64.
type PeerInfo struct {
	NodeID  string `json:"nodeId"`
	SignPub string `json:"signPub"`
	EncPub  string `json:"encPub"`
}

type RegisterMsg struct {
	Type string   `json:"type"`
	Peer PeerInfo `json:"peer"`
}

type RosterMsg struct {
	Type  string     `json:"type"`
	Peers []PeerInfo `json:"peers"`
}

// SessionDescription names a proposed transport session: a fresh session id
// and the addresses the offering side can be reached at.
type SessionDescription struct {
	SessionID string   `json:"sessionId"`
	Addrs     []string `json:"addrs"`
}

type OfferMsg struct {
	Type         string             `json:"type"`
	FromNodeID   string             `json:"fromNodeId"`
	TargetNodeID string             `json:"targetNodeId"`
	Session      SessionDescription `json:"session"`
}

type AnswerMsg struct {
	Type         string             `json:"type"`
	FromNodeID   string             `json:"fromNodeId"`
	TargetNodeID string             `json:"targetNodeId"`
	Session      SessionDescription `json:"session"`
}

// Candidate is one reachable address for the in-progress session, forwarded
// individually as it is discovered.
type Candidate struct {
	Addr     string `json:"addr"`
	Priority int    `json:"priority"`
}

type CandidateMsg struct {
	Type         string    `json:"type"`
	FromNodeID   string    `json:"fromNodeId"`
	TargetNodeID string    `json:"targetNodeId"`
	Candidate    Candidate `json:"candidate"`
}

type HelloMsg struct {
	Type   string `json:"type"`
	NodeID string `json:"nodeId"`
}

type EnvelopeMsg struct {
	Type     string            `json:"type"`
	Envelope envelope.Envelope `json:"envelope"`
}

// RequestRosterMsg asks the rendezvous server to re-send the current
// roster to the requesting client only.
type RequestRosterMsg struct {
	Type string `json:"type"`
}

type PingMsg struct {
	Type string `json:"type"`
}

type PongMsg struct {
	Type string `json:"type"`
}

// MessageType sniffs the type tag so callers can pick the concrete decoder.
func MessageType(data []byte) (string, error) {
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		return "", fmt.Errorf("bad message: %w", err)
	}
	if hdr.Type == "" {
		return "", fmt.Errorf("missing message type")
	}
	return hdr.Type, nil
}

func EncodeRegister(m RegisterMsg) ([]byte, error) {
	m.Type = MsgTypeRegister
	return json.Marshal(m)
}

func DecodeRegister(data []byte) (RegisterMsg, error) {
	var m RegisterMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return RegisterMsg{}, err
	}
	if m.Type != MsgTypeRegister {
		return RegisterMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if m.Peer.NodeID == "" {
		return RegisterMsg{}, fmt.Errorf("register missing node id")
	}
	return m, nil
}

func EncodeRoster(m RosterMsg) ([]byte, error) {
	m.Type = MsgTypeRoster
	return json.Marshal(m)
}

func DecodeRoster(data []byte) (RosterMsg, error) {
	var m RosterMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return RosterMsg{}, err
	}
	if m.Type != MsgTypeRoster {
		return RosterMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

func EncodeOffer(m OfferMsg) ([]byte, error) {
	m.Type = MsgTypeOffer
	if m.TargetNodeID == "" {
		return nil, fmt.Errorf("offer missing target")
	}
	return json.Marshal(m)
}

func DecodeOffer(data []byte) (OfferMsg, error) {
	var m OfferMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return OfferMsg{}, err
	}
	if m.Type != MsgTypeOffer {
		return OfferMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

func EncodeAnswer(m AnswerMsg) ([]byte, error) {
	m.Type = MsgTypeAnswer
	if m.TargetNodeID == "" {
		return nil, fmt.Errorf("answer missing target")
	}
	return json.Marshal(m)
}

func DecodeAnswer(data []byte) (AnswerMsg, error) {
	var m AnswerMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return AnswerMsg{}, err
	}
	if m.Type != MsgTypeAnswer {
		return AnswerMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

func EncodeCandidate(m CandidateMsg) ([]byte, error) {
	m.Type = MsgTypeCandidate
	if m.TargetNodeID == "" {
		return nil, fmt.Errorf("candidate missing target")
	}
	return json.Marshal(m)
}

func DecodeCandidate(data []byte) (CandidateMsg, error) {
	var m CandidateMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return CandidateMsg{}, err
	}
	if m.Type != MsgTypeCandidate {
		return CandidateMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

func EncodeHello(m HelloMsg) ([]byte, error) {
	m.Type = MsgTypeHello
	if m.NodeID == "" {
		return nil, fmt.Errorf("hello missing node id")
	}
	return json.Marshal(m)
}

func DecodeHello(data []byte) (HelloMsg, error) {
	var m HelloMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return HelloMsg{}, err
	}
	if m.Type != MsgTypeHello {
		return HelloMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

func EncodeEnvelope(m EnvelopeMsg) ([]byte, error) {
	m.Type = MsgTypeEnvelope
	return json.Marshal(m)
}

func DecodeEnvelope(data []byte) (EnvelopeMsg, error) {
	var m EnvelopeMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return EnvelopeMsg{}, err
	}
	if m.Type != MsgTypeEnvelope {
		return EnvelopeMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

func EncodeRequestRoster() ([]byte, error) {
	return json.Marshal(RequestRosterMsg{Type: MsgTypeRequestRoster})
}

func EncodePing() ([]byte, error) {
	return json.Marshal(PingMsg{Type: MsgTypePing})
}

func EncodePong() ([]byte, error) {
	return json.Marshal(PongMsg{Type: MsgTypePong})
}
