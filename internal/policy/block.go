package policy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// BlockHeader marks a response as synthesized by this package rather than
// forwarded from upstream, so callers can count it correctly without
// re-parsing the body. It is stripped before any response reaches the
// client.
const BlockHeader = "X-Policy-Blocked"

// BlockResponse synthesizes a streamed chat-completion response carrying
// refusalText as the assistant's reply, shaped like a real chat backend's
// SSE stream so a thin client can't distinguish it from a forwarded one.
func BlockResponse(reqBody []byte, refusalText string) (*http.Response, error) {
	var doc map[string]any
	_ = json.Unmarshal(reqBody, &doc) // malformed/empty body -> nil doc, handled below

	messages, _ := doc["messages"].([]any)
	var parentID any
	if len(messages) > 0 {
		if m0, ok := messages[0].(map[string]any); ok {
			parentID = m0["id"]
		}
	}

	existingConvID, hasConvID := doc["conversation_id"]
	isNewConversation := !hasConvID || existingConvID == nil

	var conversationID any
	if isNewConversation {
		conversationID = uuid.NewString()
	} else {
		conversationID = existingConvID
	}
	messageID := uuid.NewString()

	message1 := map[string]any{
		"message": map[string]any{
			"id": messageID,
			"author": map[string]any{
				"role":     "assistant",
				"name":     nil,
				"metadata": map[string]any{},
			},
			"create_time": nil,
			"update_time": nil,
			"content": map[string]any{
				"content_type": "text",
				"parts":        []string{refusalText},
			},
			"status":   "finished_successfully",
			"end_turn": true,
			"weight":   1.0,
			"metadata": map[string]any{
				"citations":          []any{},
				"content_references": []any{},
				"gizmo_id":           nil,
				"message_type":       "next",
				"model_slug":         "gpt-4o",
				"default_model_slug": "auto",
				"pad":                "AAAAAAAAAAAAAAAAAAAAAA",
				"parent_id":          parentID,
				"finish_details": map[string]any{
					"type":         "stop",
					"stop_tokens": []int{200002},
				},
				"is_complete":         true,
				"model_switcher_deny": []any{},
			},
			"recipient": "all",
			"channel":   nil,
		},
		"conversation_id": conversationID,
		"error":           nil,
	}

	var message2 any
	if isNewConversation {
		message2 = map[string]any{
			"type":            "title_generation",
			"title":           "New chat",
			"conversation_id": conversationID,
		}
	} else {
		message2 = ""
	}

	message3 := map[string]any{
		"type":               "conversation_detail_metadata",
		"banner_info":        nil,
		"blocked_features":   []any{},
		"model_limits":       []any{},
		"default_model_slug": "auto",
		"conversation_id":    conversationID,
	}

	var buf bytes.Buffer
	for _, frame := range []any{message1, message2, message3} {
		encoded, err := json.Marshal(frame)
		if err != nil {
			return nil, err
		}
		buf.WriteString("data: ")
		buf.Write(encoded)
		buf.WriteString("\n\n")
	}
	buf.WriteString("data: [DONE]\n\n")

	body := buf.Bytes()
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Status:     http.StatusText(http.StatusOK),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type": []string{"text/event-stream"},
			BlockHeader:    []string{"1"},
		},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	return resp, nil
}
