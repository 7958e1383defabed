package mitm

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestInterceptionService_CallForwardsAndReturns(t *testing.T) {
	client, _ := fakeUpstream(t, 1)
	sync := NewSynchronizer(client, testLogger())
	defer sync.Close()

	svc := NewInterceptionService(sync, "198.51.100.1:54321")
	if svc.PeerAddress() != "198.51.100.1:54321" {
		t.Errorf("PeerAddress: got %q", svc.PeerAddress())
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.com/path", nil)
	resp, err := svc.Call(req)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
}

func TestInterceptionService_CallAfterSynchronizerClosed(t *testing.T) {
	client, _ := fakeUpstream(t, 0)
	sync := NewSynchronizer(client, testLogger())
	sync.Close()

	svc := NewInterceptionService(sync, "198.51.100.1:1")
	req := httptest.NewRequest(http.MethodGet, "http://example.com/path", nil)

	if _, err := svc.Call(req); err == nil {
		t.Error("expected error calling through a closed synchronizer")
	}
}
