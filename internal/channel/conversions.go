package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ConversionsAdapter reports conversion events through a server-to-server
// events API (Meta CAPI shape). The queue item id travels as event_id so
// the provider deduplicates repeated attempts on its side.
type ConversionsAdapter struct {
	url         string
	accessToken string
	pixelID     string
	client      *http.Client
}

func NewConversionsAdapter(s Settings, client *http.Client) *ConversionsAdapter {
	return &ConversionsAdapter{
		url:         s.ConvURL,
		accessToken: s.ConvAccessToken,
		pixelID:     s.ConvPixelID,
		client:      client,
	}
}

func (a *ConversionsAdapter) Name() string { return Conversions }

type conversionEvent struct {
	EventName string          `json:"event_name"`
	EventTime int64           `json:"event_time"`
	EventID   string          `json:"event_id"`
	UserData  json.RawMessage `json:"user_data"`
}

type conversionsRequest struct {
	Data []conversionEvent `json:"data"`
}

type conversionsResponse struct {
	EventsReceived int    `json:"events_received"`
	TraceID        string `json:"fbtrace_id"`
}

// Send posts one conversion event. The queue item id is the event_id, so
// a retried attempt carries the same key and the provider drops the
// duplicate instead of recording a second conversion.
func (a *ConversionsAdapter) Send(ctx context.Context, msg Message) (string, error) {
	if !json.Valid(msg.Payload) {
		return "", &Error{Class: Terminal, Reason: "bad_payload", Err: fmt.Errorf("conversion payload is not JSON")}
	}
	body, err := json.Marshal(conversionsRequest{Data: []conversionEvent{{
		EventName: "Lead",
		EventTime: time.Now().Unix(),
		EventID:   msg.ItemID,
		UserData:  msg.Payload,
	}}})
	if err != nil {
		return "", &Error{Class: Terminal, Reason: "bad_payload", Err: err}
	}

	url := fmt.Sprintf("%s/%s/events?access_token=%s", a.url, a.pixelID, a.accessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &Error{Class: Terminal, Reason: "bad_request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", classifyTransport(err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classifyStatus(resp.StatusCode, string(respBody))
	}

	var out conversionsResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", nil
	}
	if out.EventsReceived == 0 {
		return "", &Error{Class: Retryable, Reason: "not_received", Err: fmt.Errorf("provider accepted 0 events")}
	}
	return out.TraceID, nil
}
