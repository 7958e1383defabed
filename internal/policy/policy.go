// Package policy inspects intercepted requests and decides whether to
// forward them upstream or answer locally with a synthesized refusal.
package policy

import (
	"net/http"
	"time"

	"github.com/Femure/tls-interceptor-proxy/internal/har"
	"github.com/Femure/tls-interceptor-proxy/internal/mitm"
)

// Context bundles the per-request, cheap-to-copy handles a Func needs:
// the tunnel's InterceptionService to forward upstream, and the HAR sink
// to log the outcome. Passed by value; both handles are shareable.
type Context struct {
	Service *mitm.InterceptionService
	Sink    *har.Sink
}

// Func decides what to do with an intercepted request: forward it via
// ctx.Service and return the upstream response, or synthesize one
// locally without touching the network.
type Func func(req *http.Request, ctx Context) (*http.Response, error)

// Middleware wraps a Func with HAR logging of every request/response
// pair, so individual policies don't each have to remember to log.
func Middleware(next Func) Func {
	return func(req *http.Request, ctx Context) (*http.Response, error) {
		started := time.Now()
		reqBody := readAndRestoreBody(req)

		resp, err := next(req, ctx)
		if err != nil {
			return nil, err
		}

		respBody := readAndRestoreRespBody(resp)
		entry := har.BuildEntry(req, reqBody, resp, respBody, ctx.Service.PeerAddress(), started, time.Since(started))
		ctx.Sink.Submit(entry)

		return resp, nil
	}
}
