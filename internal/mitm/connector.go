package mitm

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"time"

	"github.com/Femure/tls-interceptor-proxy/internal/errs"
)

// HostMapper resolves a logical "host:port" to a dial address override.
// The management API's HostMapRegistry implements this, so redirect
// overrides set at runtime take effect on the next Connect call.
type HostMapper interface {
	Get(key string) (string, bool)
}

// staticHostMap is a HostMapper backed by a fixed map, used when no
// runtime-mutable registry is wired in (e.g. tests).
type staticHostMap map[string]string

func (m staticHostMap) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// StaticHostMap adapts a plain map literal to a HostMapper.
func StaticHostMap(m map[string]string) HostMapper { return staticHostMap(m) }

// Connector establishes TLS to an origin on the proxy's behalf and hands
// back both the live stream and the origin's negotiated leaf certificate,
// so the Spoofer can mint a client-facing forgery of it.
type Connector struct {
	HostMap    HostMapper
	ExtraRoots *x509.CertPool
	Timeout    time.Duration
}

// NewConnector builds a Connector trusting the system root store plus any
// PEM-encoded extra roots (useful for redirecting to test origins signed
// by a private CA).
func NewConnector(hostMap HostMapper, extraRootsPEM []byte, timeout time.Duration) (*Connector, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if len(extraRootsPEM) > 0 {
		if !pool.AppendCertsFromPEM(extraRootsPEM) {
			return nil, errs.New(errs.Config, "failed to parse extra root certificates")
		}
	}
	if hostMap == nil {
		hostMap = staticHostMap(nil)
	}
	return &Connector{HostMap: hostMap, ExtraRoots: pool, Timeout: timeout}, nil
}

// Connect dials host:port (consulting HostMap for a test/redirect override
// first), performs an outbound TLS handshake, and returns the live stream
// along with the origin's peer leaf certificate.
func (c *Connector) Connect(ctx context.Context, host, port string) (*tls.Conn, *x509.Certificate, error) {
	target := net.JoinHostPort(host, port)
	dialAddr := target
	if mapped, ok := c.HostMap.Get(target); ok {
		dialAddr = mapped
	} else if mapped, ok := c.HostMap.Get(host); ok {
		dialAddr = mapped
	}

	dialCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	dialer := &net.Dialer{Timeout: c.Timeout}
	rawConn, err := dialer.DialContext(dialCtx, "tcp", dialAddr)
	if err != nil {
		return nil, nil, errs.Wrap(errs.Network, fmt.Sprintf("dial %s", dialAddr), err)
	}

	tlsConn := tls.Client(rawConn, &tls.Config{
		ServerName: host,
		RootCAs:    c.ExtraRoots,
		MinVersion: tls.VersionTLS12,
	})
	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		rawConn.Close() //nolint:errcheck // best-effort close on handshake failure
		return nil, nil, errs.Wrap(errs.Network, fmt.Sprintf("tls handshake with %s", host), err)
	}

	peerCerts := tlsConn.ConnectionState().PeerCertificates
	if len(peerCerts) == 0 {
		tlsConn.Close() //nolint:errcheck // best-effort close
		return nil, nil, errs.New(errs.Server, "no peer certificate")
	}

	return tlsConn, peerCerts[0], nil
}
