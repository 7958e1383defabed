// Package har builds and persists a HAR 1.2 log of intercepted traffic.
package har

// Log is the root HAR 1.2 document.
type Log struct {
	Log Root `json:"log"`
}

// Root is the HAR "log" object.
type Root struct {
	Version string  `json:"version"`
	Creator Creator `json:"creator"`
	Entries []Entry `json:"entries"`
}

// Creator identifies the tool that produced the log.
type Creator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Entry is one HAR request/response pair.
type Entry struct {
	StartedDateTime string   `json:"startedDateTime"`
	Time            float64  `json:"time"`
	Request         Request  `json:"request"`
	Response        Response `json:"response"`
	ServerIPAddress string   `json:"serverIPAddress,omitempty"`
	Cache           Cache    `json:"cache"`
	Timings         Timings  `json:"timings"`
	Comment         string   `json:"comment,omitempty"`
}

// Request is the HAR "request" object.
type Request struct {
	Method      string    `json:"method"`
	URL         string    `json:"url"`
	HTTPVersion string    `json:"httpVersion"`
	Cookies     []Cookie  `json:"cookies"`
	Headers     []Header  `json:"headers"`
	QueryString []Query   `json:"queryString"`
	PostData    *PostData `json:"postData,omitempty"`
	HeadersSize int64     `json:"headersSize"`
	BodySize    int64     `json:"bodySize"`
}

// Response is the HAR "response" object.
type Response struct {
	HTTPVersion string   `json:"httpVersion"`
	Status      int      `json:"status"`
	StatusText  string   `json:"statusText"`
	Cookies     []Cookie `json:"cookies"`
	Headers     []Header `json:"headers"`
	Content     Content  `json:"content"`
	RedirectURL string   `json:"redirectURL"`
	HeadersSize int64    `json:"headersSize"`
	BodySize    int64    `json:"bodySize"`
}

// Header is one HTTP header name/value pair.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Query is one URL query-string parameter; always empty here since
// request URLs are logged whole, query string included.
type Query struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Cookie is a parsed Cookie/Set-Cookie header value.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Path     string `json:"path,omitempty"`
	Domain   string `json:"domain,omitempty"`
	Expires  string `json:"expires,omitempty"`
	HTTPOnly bool   `json:"httpOnly"`
	Secure   bool   `json:"secure"`
}

// PostData is the HAR request body wrapper.
type PostData struct {
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

// Content is the HAR response body wrapper.
type Content struct {
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

// Cache is always empty; no cache semantics are modeled.
type Cache struct{}

// Timings reports per-entry phase durations; only Send/Wait/Receive are
// populated, matching what the proxy can actually measure.
type Timings struct {
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
}
