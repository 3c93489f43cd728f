package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"dropnet/internal/proto"
)

// Peer links are long-lived QUIC streams carrying length-prefixed frames.
// Channel privacy comes from TLS; peer authentication happens end to end at
// the envelope layer, so the transport trusts any certificate.

const alpnProto = "dropnet-quic"

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func devTLSCert() (tls.Certificate, error) {
	seed := sha256.Sum256([]byte("dropnet-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProto},
	}, nil
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProto},
	}
}

// Link is one framed bidirectional stream to a peer.
type Link struct {
	conn   *quic.Conn
	stream *quic.Stream

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newLink(conn *quic.Conn, stream *quic.Stream) *Link {
	return &Link{conn: conn, stream: stream}
}

// Send writes one frame. Safe for concurrent callers.
func (l *Link) Send(payload []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return proto.WriteFrame(l.stream, payload)
}

// Recv reads the next frame. Single-reader: one goroutine owns the read loop.
func (l *Link) Recv() ([]byte, error) {
	return proto.ReadFrame(l.stream)
}

func (l *Link) RemoteAddr() string {
	if l.conn == nil {
		return ""
	}
	return l.conn.RemoteAddr().String()
}

func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		if l.stream != nil {
			_ = l.stream.Close()
		}
		if l.conn != nil {
			l.closeErr = l.conn.CloseWithError(0, "")
		}
	})
	return l.closeErr
}

// Listener accepts inbound peer links.
type Listener struct {
	ql  *quic.Listener
	log *logrus.Logger

	mu     sync.Mutex
	onLink func(*Link)

	cancel context.CancelFunc
}

// Listen binds addr and hands each inbound link to onLink on its own
// goroutine. The returned listener's Addr carries the resolved port for
// candidate advertisement. onLink may be nil when the handler needs the
// resolved address to build; install it with SetOnLink before traffic is
// expected, links arriving earlier are closed.
func Listen(addr string, log *logrus.Logger, onLink func(*Link)) (*Listener, error) {
	if log == nil {
		log = logrus.New()
	}
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ql, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	ln := &Listener{ql: ql, log: log, onLink: onLink, cancel: cancel}
	go ln.acceptLoop(ctx)
	log.WithField("addr", ql.Addr().String()).Info("transport listening")
	return ln, nil
}

// SetOnLink installs the inbound link handler.
func (l *Listener) SetOnLink(onLink func(*Link)) {
	l.mu.Lock()
	l.onLink = onLink
	l.mu.Unlock()
}

func (l *Listener) handler() func(*Link) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.onLink
}

func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.ql.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, quic.ErrServerClosed) {
				l.log.WithError(err).Debug("transport accept error")
			}
			return
		}
		go func(c *quic.Conn) {
			stream, err := c.AcceptStream(ctx)
			if err != nil {
				l.log.WithError(err).Debug("transport accept stream error")
				_ = c.CloseWithError(0, "")
				return
			}
			link := newLink(c, stream)
			onLink := l.handler()
			if onLink == nil {
				_ = link.Close()
				return
			}
			onLink(link)
		}(conn)
	}
}

func (l *Listener) Addr() string {
	return l.ql.Addr().String()
}

func (l *Listener) Close() error {
	l.cancel()
	return l.ql.Close()
}

// Dial opens a link to addr and its initial stream.
func Dial(ctx context.Context, addr string) (*Link, error) {
	conn, err := quic.DialAddr(ctx, addr, clientTLSConfig(), nil)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return newLink(conn, stream), nil
}
