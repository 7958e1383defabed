package har

import "net/http"

// ParseCookie parses a single Cookie or Set-Cookie header value into a HAR
// cookie entry. Malformed cookie strings yield a Cookie with only Name set
// to the raw header value, so a parse failure never drops log data.
func ParseCookie(raw string, isSetCookie bool) Cookie {
	if isSetCookie {
		resp := &http.Response{Header: http.Header{}}
		resp.Header.Add("Set-Cookie", raw)
		if cookies := resp.Cookies(); len(cookies) > 0 {
			c := cookies[0]
			return Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Path:     c.Path,
				Domain:   c.Domain,
				Expires:  formatExpires(c),
				HTTPOnly: c.HttpOnly,
				Secure:   c.Secure,
			}
		}
		return Cookie{Name: raw}
	}

	req := &http.Request{Header: http.Header{}}
	req.Header.Add("Cookie", raw)
	cookies := req.Cookies()
	if len(cookies) == 0 {
		return Cookie{Name: raw}
	}
	return Cookie{Name: cookies[0].Name, Value: cookies[0].Value}
}

func formatExpires(c *http.Cookie) string {
	if c.Expires.IsZero() {
		if c.MaxAge == 0 {
			return ""
		}
		return "session"
	}
	return c.Expires.Format("2006-01-02 15:04:05 -0700")
}
