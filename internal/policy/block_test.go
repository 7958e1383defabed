package policy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
)

func readSSEFrames(t *testing.T, resp *http.Response) []string {
	t.Helper()
	defer resp.Body.Close() //nolint:errcheck // test cleanup

	var frames []string
	br := bufio.NewReader(resp.Body)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			if trimmed := strings.TrimRight(line, "\r\n"); strings.HasPrefix(trimmed, "data: ") {
				frames = append(frames, strings.TrimPrefix(trimmed, "data: "))
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read SSE body: %v", err)
		}
	}
	return frames
}

func TestBlockResponse_NewConversationEmitsTitleGeneration(t *testing.T) {
	reqBody := []byte(`{"messages":[{"id":"m1"}]}`)
	resp, err := BlockResponse(reqBody, "refused")
	if err != nil {
		t.Fatalf("BlockResponse: %v", err)
	}
	if resp.Header.Get(BlockHeader) != "1" {
		t.Error("expected BlockHeader to be set")
	}
	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Errorf("Content-Type: got %q", resp.Header.Get("Content-Type"))
	}

	frames := readSSEFrames(t, resp)
	if len(frames) != 4 {
		t.Fatalf("expected 4 SSE frames, got %d: %v", len(frames), frames)
	}
	if frames[3] != "[DONE]" {
		t.Errorf("last frame: got %q, want [DONE]", frames[3])
	}

	var msg1 map[string]any
	if err := json.Unmarshal([]byte(frames[0]), &msg1); err != nil {
		t.Fatalf("unmarshal frame 0: %v", err)
	}
	inner := msg1["message"].(map[string]any)
	content := inner["content"].(map[string]any)
	parts := content["parts"].([]any)
	if parts[0] != "refused" {
		t.Errorf("refusal text: got %v", parts[0])
	}
	meta := inner["metadata"].(map[string]any)
	if meta["parent_id"] != "m1" {
		t.Errorf("parent_id: got %v, want m1", meta["parent_id"])
	}

	var msg2 map[string]any
	if err := json.Unmarshal([]byte(frames[1]), &msg2); err != nil {
		t.Fatalf("unmarshal frame 1: %v", err)
	}
	if msg2["type"] != "title_generation" {
		t.Errorf("frame 1 type: got %v, want title_generation", msg2["type"])
	}
}

func TestBlockResponse_ExistingConversationEmitsEmptyFrame(t *testing.T) {
	reqBody := []byte(`{"messages":[{"id":"m1"}],"conversation_id":"conv-123"}`)
	resp, err := BlockResponse(reqBody, "refused")
	if err != nil {
		t.Fatalf("BlockResponse: %v", err)
	}
	frames := readSSEFrames(t, resp)
	if len(frames) != 4 {
		t.Fatalf("expected 4 SSE frames, got %d", len(frames))
	}
	if frames[1] != `""` {
		t.Errorf("frame 1 for existing conversation: got %q, want empty JSON string", frames[1])
	}

	var msg1 map[string]any
	if err := json.Unmarshal([]byte(frames[0]), &msg1); err != nil {
		t.Fatalf("unmarshal frame 0: %v", err)
	}
	if msg1["conversation_id"] != "conv-123" {
		t.Errorf("conversation_id: got %v, want conv-123", msg1["conversation_id"])
	}
}

func TestBlockResponse_MalformedBodyStillProducesResponse(t *testing.T) {
	resp, err := BlockResponse([]byte("not json"), "refused")
	if err != nil {
		t.Fatalf("BlockResponse: %v", err)
	}
	frames := readSSEFrames(t, resp)
	if len(frames) != 4 {
		t.Fatalf("expected 4 SSE frames even for a malformed request body, got %d", len(frames))
	}
}

func TestBlockResponse_BodyIsReadableOnce(t *testing.T) {
	resp, err := BlockResponse([]byte(`{}`), "refused")
	if err != nil {
		t.Fatalf("BlockResponse: %v", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		t.Fatalf("copy body: %v", err)
	}
	if buf.Len() == 0 {
		t.Error("expected non-empty body")
	}
	if int64(buf.Len()) != resp.ContentLength {
		t.Errorf("ContentLength mismatch: header says %d, body has %d bytes", resp.ContentLength, buf.Len())
	}
}
