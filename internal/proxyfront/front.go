// Package proxyfront accepts incoming proxy connections, recognizes
// CONNECT requests, and hands each one off to a fresh MITM tunnel.
package proxyfront

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/Femure/tls-interceptor-proxy/internal/errs"
	"github.com/Femure/tls-interceptor-proxy/internal/logger"
	"github.com/Femure/tls-interceptor-proxy/internal/metrics"
	"github.com/Femure/tls-interceptor-proxy/internal/mitm"
)

// Front is the client-facing proxy server. It only understands CONNECT;
// every intercepted origin is TLS, so plain HTTP forwarding is not part
// of this proxy's job.
type Front struct {
	BindAddress string
	Port        int

	Tunnel  *mitm.Tunnel
	Handler mitm.Handler

	Metrics *metrics.Metrics
	Log     *logger.Logger

	server *http.Server
}

// New builds a Front bound to addr:port, dispatching every accepted
// tunnel to the given mitm.Tunnel and policy handler.
func New(bindAddress string, port int, tunnel *mitm.Tunnel, handler mitm.Handler, m *metrics.Metrics, log *logger.Logger) *Front {
	return &Front{
		BindAddress: bindAddress,
		Port:        port,
		Tunnel:      tunnel,
		Handler:     handler,
		Metrics:     m,
		Log:         log,
	}
}

// ListenAndServe starts accepting connections and blocks until ctx is
// canceled or a fatal listener error occurs.
func (f *Front) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(f.BindAddress, strconv.Itoa(f.Port))
	f.server = &http.Server{
		Addr:    addr,
		Handler: http.HandlerFunc(f.serveHTTP),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- f.server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return f.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (f *Front) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodConnect {
		http.Error(w, "only CONNECT is supported", http.StatusBadRequest)
		return
	}

	host, port, err := targetHostPort(r)
	if err != nil {
		f.Log.Warnf("connect", "%v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		f.Log.Errorf("hijack", "%s:%s: %v", host, port, err)
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		f.Log.Errorf("connect", "write 200 to %s:%s: %v", host, port, err)
		clientConn.Close() //nolint:errcheck // best-effort close on write failure
		return
	}

	f.Log.Infof("connect", "%s:%s from %s", host, port, clientConn.RemoteAddr())
	// r.Context() is canceled as soon as this handler returns (the hijack
	// detaches the connection, but not the request lifecycle), so the
	// tunnel, which outlives this call, gets its own background context.
	go f.Tunnel.Run(context.Background(), clientConn, host, port, f.Handler)
}

// targetHostPort extracts host and port from a CONNECT request's
// authority, distinguishing a missing host from a
// present-but-unparseable authority.
func targetHostPort(r *http.Request) (string, string, error) {
	if r.Host == "" {
		return "", "", errs.New(errs.Request, "No host found on CONNECT request")
	}
	if !httpguts.ValidHostHeader(r.Host) {
		return "", "", errs.New(errs.Request, "Invalid authority on CONNECT request")
	}
	host, port, err := net.SplitHostPort(r.Host)
	if err != nil {
		return "", "", errs.New(errs.Request, "No port found on CONNECT request")
	}
	return host, port, nil
}
