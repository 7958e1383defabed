package har

import "testing"

func TestParseCookie_RequestCookie(t *testing.T) {
	c := ParseCookie("session=abc123", false)
	if c.Name != "session" || c.Value != "abc123" {
		t.Errorf("ParseCookie: got %+v", c)
	}
}

func TestParseCookie_SetCookieWithAttributes(t *testing.T) {
	c := ParseCookie("session=abc123; Path=/; Domain=example.com; HttpOnly; Secure", true)
	if c.Name != "session" || c.Value != "abc123" {
		t.Errorf("name/value: got %+v", c)
	}
	if c.Path != "/" || c.Domain != "example.com" {
		t.Errorf("path/domain: got %+v", c)
	}
	if !c.HTTPOnly || !c.Secure {
		t.Errorf("flags: got %+v", c)
	}
}

func TestParseCookie_SetCookieSessionExpiry(t *testing.T) {
	c := ParseCookie("session=abc123", true)
	if c.Expires != "" {
		t.Errorf("Expires: got %q, want empty for a session cookie with no Max-Age/Expires", c.Expires)
	}
}

func TestParseCookie_MalformedFallsBackToRawName(t *testing.T) {
	c := ParseCookie("", false)
	if c.Name != "" {
		t.Errorf("Name: got %q", c.Name)
	}
}
