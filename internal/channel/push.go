package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// PushAdapter delivers through a cloud-messaging HTTP API (FCM legacy
// shape): one POST per message, authenticated with a server key.
type PushAdapter struct {
	url       string
	serverKey string
	client    *http.Client
}

func NewPushAdapter(s Settings, client *http.Client) *PushAdapter {
	return &PushAdapter{
		url:       s.PushURL,
		serverKey: s.PushServerKey,
		client:    client,
	}
}

func (a *PushAdapter) Name() string { return Push }

type pushRequest struct {
	To   string          `json:"to"`
	Data json.RawMessage `json:"data"`
}

type pushResponse struct {
	Success int `json:"success"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

// Send posts one push message keyed by the recipient's device token.
func (a *PushAdapter) Send(ctx context.Context, msg Message) (string, error) {
	payload := msg.Payload
	if !json.Valid(payload) {
		payload, _ = json.Marshal(map[string]string{"body": string(payload)})
	}
	body, err := json.Marshal(pushRequest{To: msg.Address, Data: payload})
	if err != nil {
		return "", &Error{Class: Terminal, Reason: "bad_payload", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return "", &Error{Class: Terminal, Reason: "bad_request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+a.serverKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", classifyTransport(err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classifyStatus(resp.StatusCode, string(respBody))
	}

	// A 200 can still carry a per-message failure in the body.
	var out pushResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", nil
	}
	if len(out.Results) > 0 && out.Results[0].Error != "" {
		reason := out.Results[0].Error
		switch reason {
		case "NotRegistered", "InvalidRegistration", "MismatchSenderId":
			return "", &Error{Class: Terminal, Reason: "unknown_recipient", Err: fmt.Errorf("push: %s", reason)}
		case "Unavailable", "InternalServerError":
			return "", &Error{Class: Retryable, Reason: "provider_unavailable", Err: fmt.Errorf("push: %s", reason)}
		default:
			return "", &Error{Class: Terminal, Reason: reason, Err: fmt.Errorf("push: %s", reason)}
		}
	}
	if len(out.Results) > 0 {
		return out.Results[0].MessageID, nil
	}
	return "", nil
}
