package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// ChatAdapter delivers through an Evolution-style chat transport: one
// POST per message against the tenant's named instance, authenticated by
// an instance API key.
type ChatAdapter struct {
	baseURL  string
	instance string
	token    string
	client   *http.Client
}

func NewChatAdapter(s Settings, client *http.Client) *ChatAdapter {
	return &ChatAdapter{
		baseURL:  s.ChatBaseURL,
		instance: s.ChatInstance,
		token:    s.ChatToken,
		client:   client,
	}
}

func (a *ChatAdapter) Name() string { return Chat }

type chatRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type chatResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
	Message string `json:"message,omitempty"` // error detail on failure
}

// Send posts one text message. The address must already be normalized to
// bare digits.
func (a *ChatAdapter) Send(ctx context.Context, msg Message) (string, error) {
	body, err := json.Marshal(chatRequest{Number: msg.Address, Text: string(msg.Payload)})
	if err != nil {
		return "", &Error{Class: Terminal, Reason: "bad_payload", Err: err}
	}

	url := fmt.Sprintf("%s/message/sendText/%s", a.baseURL, a.instance)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &Error{Class: Terminal, Reason: "bad_request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", a.token)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", classifyTransport(err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// The transport answers 400 for numbers it does not know.
		if resp.StatusCode == http.StatusBadRequest && bytes.Contains(respBody, []byte("not exist")) {
			return "", &Error{Class: Terminal, Reason: "unknown_recipient", Status: resp.StatusCode, Err: fmt.Errorf("%s", respBody)}
		}
		return "", classifyStatus(resp.StatusCode, string(respBody))
	}

	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		// Delivery went through; the id is diagnostic only.
		return "", nil
	}
	return out.Key.ID, nil
}
