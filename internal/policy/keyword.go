package policy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/Femure/tls-interceptor-proxy/internal/logger"
)

// readAndRestoreBody fully buffers req.Body and replaces it with a fresh
// reader over the same bytes, so downstream code (the forwarding call,
// HAR logging) can each read the body independently. A nil Body yields a
// nil slice; an empty Body yields an empty slice.
func readAndRestoreBody(req *http.Request) []byte {
	if req.Body == nil {
		return nil
	}
	body, err := io.ReadAll(req.Body)
	req.Body.Close() //nolint:errcheck // body already fully drained
	if err != nil {
		body = nil
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	return body
}

func readAndRestoreRespBody(resp *http.Response) []byte {
	if resp == nil || resp.Body == nil {
		return nil
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close() //nolint:errcheck // body already fully drained
	if err != nil {
		body = nil
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return body
}

// parsePrompt extracts messages[0].content.parts[0] from a chat-completion
// style JSON body, returning an empty string if the body isn't JSON or
// doesn't have that shape.
func parsePrompt(body []byte) string {
	var doc struct {
		Messages []struct {
			Content struct {
				Parts []json.RawMessage `json:"parts"`
			} `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return ""
	}
	if len(doc.Messages) == 0 || len(doc.Messages[0].Content.Parts) == 0 {
		return ""
	}
	var part string
	if err := json.Unmarshal(doc.Messages[0].Content.Parts[0], &part); err == nil {
		return part
	}
	// Non-string part (e.g. a nested object): fall back to its raw JSON text.
	return string(doc.Messages[0].Content.Parts[0])
}

// Keyword builds the default policy: a request is blocked when its
// parsed prompt contains any of keywords (case-insensitive), in which
// case refusalText is synthesized back as an SSE chat completion instead
// of forwarding upstream.
func Keyword(keywords []string, refusalText string, log *logger.Logger) Func {
	lowered := make([]string, len(keywords))
	for i, k := range keywords {
		lowered[i] = strings.ToLower(k)
	}

	return func(req *http.Request, ctx Context) (*http.Response, error) {
		body := readAndRestoreBody(req)
		prompt := parsePrompt(body)
		promptLower := strings.ToLower(prompt)

		for _, kw := range lowered {
			if kw != "" && strings.Contains(promptLower, kw) {
				log.Infof("block", "blocked request to %s: matched keyword", req.Host)
				return BlockResponse(body, refusalText)
			}
		}

		return ctx.Service.Call(req)
	}
}
