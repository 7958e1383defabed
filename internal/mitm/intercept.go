package mitm

import (
	"net/http"

	"github.com/Femure/tls-interceptor-proxy/internal/errs"
)

// InterceptionService is the per-tunnel handle used by the policy layer to
// push one request through the tunnel's Synchronizer and get a response
// back. It holds only cheap-to-copy handles (a channel send-side and the
// peer address); the connection itself stays owned by the Synchronizer.
type InterceptionService struct {
	enqueue chan<- PendingRequest
	closing <-chan struct{}
	peer    string
}

// NewInterceptionService wraps a Synchronizer's queue for use by the
// policy layer against a single tunnel's upstream connection.
func NewInterceptionService(sync *Synchronizer, peerAddr string) *InterceptionService {
	enqueue, closing := sync.Queue()
	return &InterceptionService{enqueue: enqueue, closing: closing, peer: peerAddr}
}

// PeerAddress returns the client's remote address, for HAR "request from"
// bookkeeping without threading *http.Request separately.
func (s *InterceptionService) PeerAddress() string { return s.peer }

// Call sends req through the tunnel's synchronizer and blocks for the
// matching response. It fails with a ServerError if the synchronizer has
// already shut down, either before the request could be enqueued or while
// waiting for the reply.
func (s *InterceptionService) Call(req *http.Request) (*http.Response, error) {
	reply := make(chan Reply, 1)

	select {
	case s.enqueue <- PendingRequest{Req: req, Reply: reply}:
	case <-s.closing:
		return nil, errs.New(errs.Server, "Failed to connect to server correctly")
	}

	// Transport and request errors from the synchronizer pass through
	// unchanged; only a synchronizer that died before replying is
	// translated into a ServerError here.
	select {
	case r := <-reply:
		return r.Resp, r.Err
	case <-s.closing:
		return nil, errs.New(errs.Server, "Failed to get response from server")
	}
}
