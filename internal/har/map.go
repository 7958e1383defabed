package har

import (
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// BuildEntry assembles one HAR entry from a request/response pair and
// their already-buffered bodies. reqBody/respBody may be nil. Non-UTF-8
// bodies are logged as an empty string; this function never rejects.
func BuildEntry(req *http.Request, reqBody []byte, resp *http.Response, respBody []byte, peerAddr string, started time.Time, elapsed time.Duration) Entry {
	harReq := buildRequest(req, reqBody)
	harResp := buildResponse(resp, respBody)

	return Entry{
		StartedDateTime: started.Format(time.RFC3339Nano),
		Time:            float64(elapsed.Milliseconds()),
		Request:         harReq,
		Response:        harResp,
		ServerIPAddress: peerAddr,
		Cache:           Cache{},
		Timings: Timings{
			Send:    0,
			Wait:    float64(elapsed.Milliseconds()),
			Receive: 0,
		},
	}
}

func buildRequest(req *http.Request, body []byte) Request {
	headers, headersSize := mapHeaders(req.Header)

	var cookies []Cookie
	for _, raw := range req.Header.Values("Cookie") {
		cookies = append(cookies, ParseCookie(raw, false))
	}
	if cookies == nil {
		cookies = []Cookie{}
	}

	bodyText := bodyToText(body)
	var postData *PostData
	if len(bodyText) > 0 {
		postData = &PostData{
			MimeType: req.Header.Get("Content-Type"),
			Text:     bodyText,
		}
	}

	url := req.URL.String()
	if !req.URL.IsAbs() && req.Host != "" {
		url = "https://" + req.Host + req.URL.RequestURI()
	}

	return Request{
		Method:      req.Method,
		URL:         url,
		HTTPVersion: "HTTP/1.1",
		Cookies:     cookies,
		Headers:     headers,
		QueryString: []Query{},
		PostData:    postData,
		HeadersSize: headersSize,
		BodySize:    int64(len(bodyText)),
	}
}

func buildResponse(resp *http.Response, body []byte) Response {
	if resp == nil {
		return Response{HTTPVersion: "HTTP/1.1", Headers: []Header{}, Cookies: []Cookie{}}
	}

	headers, headersSize := mapHeaders(resp.Header)

	var cookies []Cookie
	for _, raw := range resp.Header.Values("Set-Cookie") {
		cookies = append(cookies, ParseCookie(raw, true))
	}
	if cookies == nil {
		cookies = []Cookie{}
	}

	redirectURL := ""
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		redirectURL = resp.Header.Get("Location")
	}

	bodyText := bodyToText(body)

	return Response{
		HTTPVersion: "HTTP/1.1",
		Status:      resp.StatusCode,
		StatusText:  http.StatusText(resp.StatusCode),
		Cookies:     cookies,
		Headers:     headers,
		HeadersSize: headersSize,
		BodySize:    int64(len(bodyText)),
		RedirectURL: redirectURL,
		Content: Content{
			Size:     int64(len(bodyText)),
			MimeType: resp.Header.Get("Content-Type"),
			Text:     bodyText,
		},
	}
}

func mapHeaders(h http.Header) ([]Header, int64) {
	headers := make([]Header, 0, len(h))
	var size int64
	for name, values := range h {
		for _, v := range values {
			headers = append(headers, Header{Name: name, Value: v})
			size += int64(len(name) + len(v))
		}
	}
	return headers, size
}

// RestoreRequest rebuilds an http.Request from an archived request
// record, inverting the BuildEntry mapping: method, URL, headers, and
// body are reproduced from the entry.
func RestoreRequest(hr Request) (*http.Request, error) {
	var body io.Reader
	if hr.PostData != nil {
		body = strings.NewReader(hr.PostData.Text)
	}
	req, err := http.NewRequest(hr.Method, hr.URL, body)
	if err != nil {
		return nil, err
	}
	for _, h := range hr.Headers {
		if strings.EqualFold(h.Name, "Host") {
			req.Host = h.Value
			continue
		}
		req.Header.Add(h.Name, h.Value)
	}
	return req, nil
}

// RestoreResponse rebuilds an http.Response from an archived response
// record.
func RestoreResponse(hr Response) *http.Response {
	header := http.Header{}
	for _, h := range hr.Headers {
		header.Add(h.Name, h.Value)
	}
	return &http.Response{
		StatusCode:    hr.Status,
		Status:        hr.StatusText,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(hr.Content.Text)),
		ContentLength: int64(len(hr.Content.Text)),
	}
}

// bodyToText returns body as a string if it is valid UTF-8, or an empty
// string otherwise. Binary bodies are not archived.
func bodyToText(body []byte) string {
	if body == nil {
		return ""
	}
	if !utf8.Valid(body) {
		return ""
	}
	return string(body)
}
