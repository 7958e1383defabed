package mitm

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/net/http/httpguts"

	"github.com/Femure/tls-interceptor-proxy/internal/errs"
	"github.com/Femure/tls-interceptor-proxy/internal/logger"
)

// Reply is what the Synchronizer delivers back for one PendingRequest: a
// full response with a buffered body, or an error.
type Reply struct {
	Resp *http.Response
	Err  error
}

// PendingRequest pairs an outgoing request with the one-shot channel its
// reply is delivered on. Component E builds these; component D consumes
// them exactly once each.
type PendingRequest struct {
	Req   *http.Request
	Reply chan<- Reply
}

// Synchronizer owns one upstream HTTP/1.1 keepalive connection and
// serializes every request sent over it: no request is dispatched until
// the prior response has been fully read, preserving HTTP/1.1 framing on
// the shared connection.
type Synchronizer struct {
	queue     chan PendingRequest
	closing   chan struct{}
	closeOnce sync.Once
	conn      net.Conn
	log       *logger.Logger
}

// NewSynchronizer spawns the synchronizer's consumer loop over conn and
// returns immediately; conn is closed when the synchronizer is Close()'d
// or a transport error tears it down.
func NewSynchronizer(conn net.Conn, log *logger.Logger) *Synchronizer {
	s := &Synchronizer{
		queue:   make(chan PendingRequest),
		closing: make(chan struct{}),
		conn:    conn,
		log:     log,
	}
	go s.run()
	return s
}

// Queue exposes the enqueue side of the synchronizer's input channel and a
// signal channel closed once the synchronizer has exited, so component E
// can detect "synchronizer gone" without a type-asserted sentinel error.
func (s *Synchronizer) Queue() (chan<- PendingRequest, <-chan struct{}) {
	return s.queue, s.closing
}

// Close terminates the synchronizer loop, releasing the upstream
// connection. Safe to call more than once.
func (s *Synchronizer) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func (s *Synchronizer) run() {
	br := bufio.NewReader(s.conn)
	defer s.conn.Close() //nolint:errcheck // best-effort close on loop exit
	for {
		select {
		case pr := <-s.queue:
			resp, err := s.dispatch(pr.Req, br)
			// The reply channel is buffered by 1 (see intercept.go), so this
			// never blocks even if the requester has stopped waiting.
			pr.Reply <- Reply{Resp: resp, Err: err}
			// A transport error leaves the connection's framing unknown, so
			// it is torn down; later requests fail with a network error.
			if errors.Is(err, errs.NetworkError) {
				s.conn.Close() //nolint:errcheck // best-effort close after transport error
			}
		case <-s.closing:
			return
		}
	}
}

// dispatch relativizes the request URI to origin-form, strips
// proxy-connection, writes the request on the upstream connection, and
// fully buffers the response (header and body) before returning, so the
// next queued request never races a still-unread response body on the
// same keepalive connection.
func (s *Synchronizer) dispatch(req *http.Request, br *bufio.Reader) (*http.Response, error) {
	pathAndQuery := req.URL.Path
	if pathAndQuery == "" {
		return nil, errs.New(errs.Request, "URI did not contain a path")
	}
	if req.URL.RawQuery != "" {
		pathAndQuery += "?" + req.URL.RawQuery
	}

	relativized, err := url.ParseRequestURI(pathAndQuery)
	if err != nil {
		return nil, errs.Wrap(errs.Request, "Given URI was invalid", err)
	}
	req.URL = relativized
	req.RequestURI = ""
	req.Header.Del("Proxy-Connection")
	for name := range req.Header {
		if !httpguts.ValidHeaderFieldName(name) {
			req.Header.Del(name)
		}
	}

	if err := req.Write(s.conn); err != nil {
		return nil, errs.Wrap(errs.Network, "write upstream request", err)
	}

	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, errs.Wrap(errs.Network, "read upstream response", err)
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close() //nolint:errcheck // body already fully drained
	if err != nil {
		return nil, errs.Wrap(errs.Network, "read upstream response body", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	s.log.Debugf("dispatch", "%s %s -> %d (%d bytes)", req.Method, pathAndQuery, resp.StatusCode, len(body))
	return resp, nil
}
