package proxyfront

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Femure/tls-interceptor-proxy/internal/logger"
	"github.com/Femure/tls-interceptor-proxy/internal/metrics"
	"github.com/Femure/tls-interceptor-proxy/internal/mitm"
)

// writeTestCA generates a self-signed CA and writes it as unencrypted PEM
// files in a temp dir, returning (certFile, keyFile).
func writeTestCA(t *testing.T) (string, string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate CA key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-proxyfront-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create CA cert: %v", err)
	}

	dir := t.TempDir()
	certFile := filepath.Join(dir, "ca-cert.pem")
	keyFile := filepath.Join(dir, "ca-key.pem")

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certFile, keyFile
}

func testFront(t *testing.T) *Front {
	t.Helper()
	connector, err := mitm.NewConnector(nil, nil, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("NewConnector: %v", err)
	}
	certFile, keyFile := writeTestCA(t)
	ca, err := mitm.Load(certFile, keyFile, "")
	if err != nil {
		t.Fatalf("Load CA: %v", err)
	}
	spoofer, err := mitm.NewSpoofer(ca, "")
	if err != nil {
		t.Fatalf("NewSpoofer: %v", err)
	}
	t.Cleanup(func() { spoofer.Close() }) //nolint:errcheck // best-effort close

	m := metrics.New()
	tunnel := mitm.NewTunnel(connector, spoofer, m, logger.New("TEST", "error"))
	handler := func(w http.ResponseWriter, r *http.Request, svc *mitm.InterceptionService) {}

	return New("127.0.0.1", 0, tunnel, handler, m, logger.New("TEST", "error"))
}

func TestFront_RejectsNonConnect(t *testing.T) {
	f := testFront(t)
	srv := httptest.NewServer(http.HandlerFunc(f.serveHTTP))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck // test cleanup
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}

func TestFront_RejectsMalformedAuthority(t *testing.T) {
	f := testFront(t)
	srv := httptest.NewServer(http.HandlerFunc(f.serveHTTP))
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close() //nolint:errcheck // test cleanup

	if _, err := conn.Write([]byte("CONNECT no-port-here HTTP/1.1\r\nHost: no-port-here\r\n\r\n")); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}
	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if statusLine[:12] != "HTTP/1.1 400" {
		t.Errorf("status line: got %q, want 400", statusLine)
	}
}

func TestFront_HijacksSuccessfulConnect(t *testing.T) {
	f := testFront(t)
	srv := httptest.NewServer(http.HandlerFunc(f.serveHTTP))
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close() //nolint:errcheck // test cleanup

	target := "example.test:443"
	if _, err := conn.Write([]byte("CONNECT " + target + " HTTP/1.1\r\nHost: " + target + "\r\n\r\n")); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test-only deadline
	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if statusLine != "HTTP/1.1 200 Connection Established\r\n" {
		t.Errorf("status line: got %q", statusLine)
	}
}

func TestTargetHostPort(t *testing.T) {
	tests := []struct {
		name    string
		host    string
		wantErr bool
	}{
		{"missing host", "", true},
		{"no port", "example.com", true},
		{"valid", "example.com:443", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{Host: tt.host}
			_, _, err := targetHostPort(r)
			if (err != nil) != tt.wantErr {
				t.Errorf("targetHostPort(%q): err=%v, wantErr=%v", tt.host, err, tt.wantErr)
			}
		})
	}
}
