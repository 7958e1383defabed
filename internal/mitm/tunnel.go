package mitm

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/Femure/tls-interceptor-proxy/internal/errs"
	"github.com/Femure/tls-interceptor-proxy/internal/logger"
	"github.com/Femure/tls-interceptor-proxy/internal/metrics"
)

// Handler processes one decrypted client request over the tunnel, given
// an InterceptionService to forward it upstream through. It is supplied
// by the caller (wired to the policy layer) so this package stays
// decoupled from request inspection.
type Handler func(w http.ResponseWriter, r *http.Request, svc *InterceptionService)

// Tunnel drives one intercepted connection through
// dial-upstream -> spoof-leaf -> accept-client-TLS -> serve-HTTP/1.1.
// Upstream TLS is established and its leaf captured before the client's
// own TLS handshake is attempted, so the spoofed certificate always has
// a real template to copy.
type Tunnel struct {
	connector *Connector
	spoofer   *Spoofer
	metrics   *metrics.Metrics
	log       *logger.Logger
}

// NewTunnel builds a Tunnel using the given connector and spoofer.
func NewTunnel(connector *Connector, spoofer *Spoofer, m *metrics.Metrics, log *logger.Logger) *Tunnel {
	return &Tunnel{connector: connector, spoofer: spoofer, metrics: m, log: log}
}

// Run executes one tunnel's full lifecycle over clientConn, which must
// already be past the CONNECT 200 response (raw bytes from here on are
// the client's TLS ClientHello). It blocks until the tunnel closes.
func (t *Tunnel) Run(ctx context.Context, clientConn net.Conn, host, port string, handler Handler) {
	defer clientConn.Close() //nolint:errcheck // best-effort close on exit

	connectStart := time.Now()
	upstream, peerLeaf, err := t.connector.Connect(ctx, host, port)
	if err != nil {
		t.metrics.TunnelsUpstreamFailed.Add(1)
		t.metrics.ErrorsUpstream.Add(1)
		t.log.Errorf("connect", "%s:%s: %v", host, port, err)
		return
	}
	t.metrics.RecordUpstreamConnectLatency(time.Since(connectStart))
	t.metrics.TunnelsOpened.Add(1)
	defer t.metrics.TunnelsClosed.Add(1)
	defer upstream.Close() //nolint:errcheck // best-effort close on exit

	spoofStart := time.Now()
	tlsConfig := t.spoofer.TLSConfigFor(host, peerLeaf)
	clientTLS := tls.Server(clientConn, tlsConfig)
	if err := clientTLS.HandshakeContext(ctx); err != nil {
		t.metrics.ErrorsTLS.Add(1)
		t.log.Errorf("client_handshake", "%s: %v", host, err)
		return
	}
	t.metrics.RecordSpoofLatency(time.Since(spoofStart))
	t.metrics.CertsSpoofed.Add(1)
	defer clientTLS.Close() //nolint:errcheck // best-effort close on exit

	sync := NewSynchronizer(upstream, t.log)
	defer sync.Close()

	svc := NewInterceptionService(sync, clientConn.RemoteAddr().String())

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		handler(w, r, svc)
	})

	srv := &http.Server{
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	listener := newSingleConnListener(clientTLS)
	_ = srv.Serve(listener) //nolint:errcheck // listener closes when the connection is done; serve errors are expected
}

// singleConnListener adapts a single already-accepted net.Conn to the
// net.Listener interface so net/http.Server can serve HTTP/1.1 requests
// over it without owning a real socket.
type singleConnListener struct {
	conn     net.Conn
	accepted bool
	closed   chan struct{}
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	return &singleConnListener{conn: conn, closed: make(chan struct{})}
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	if l.accepted {
		<-l.closed
		return nil, errs.New(errs.Network, "singleConnListener: connection already consumed")
	}
	l.accepted = true
	return &closeNotifyingConn{Conn: l.conn, closed: l.closed}, nil
}

func (l *singleConnListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }

// closeNotifyingConn signals the listener's closed channel when the
// connection is closed, so a second Accept() call (net/http.Server
// always tries one more) returns promptly instead of blocking forever.
type closeNotifyingConn struct {
	net.Conn
	closed chan struct{}
}

func (c *closeNotifyingConn) Close() error {
	err := c.Conn.Close()
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return err
}
