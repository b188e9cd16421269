package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
)

var (
	failFirstN     = 0
	rateLimitEvery = 0 // every Nth request answers 429; 0 disables
	apiKey         = ""
	reqCount       = 0
)

func main() {
	// Parse fail first settings
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			failFirstN = n
		}
	}
	// Parse rate limit cadence
	if v := os.Getenv("RATE_LIMIT_EVERY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			rateLimitEvery = n
		}
	}
	// Parse expected API key
	if v := os.Getenv("API_KEY"); v != "" {
		apiKey = v
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/message/sendText/", handleSendText)

	addr := ":8085"
	log.Printf("fake-channel listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

// handleSendText mimics an Evolution-style chat transport well enough to
// exercise the delivery worker end to end: instance path segment, apikey
// header, 400 for unknown numbers, optional injected 500s and 429s.
func handleSendText(w http.ResponseWriter, r *http.Request) {
	reqCount++
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	instance := strings.TrimPrefix(r.URL.Path, "/message/sendText/")
	if instance == "" {
		http.Error(w, "missing instance", http.StatusNotFound)
		return
	}

	if apiKey != "" && r.Header.Get("apikey") != apiKey {
		log.Printf("fake-channel rejected request: bad apikey")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var msg struct {
		Number string `json:"number"`
		Text   string `json:"text"`
	}
	if err := json.Unmarshal(b, &msg); err != nil || msg.Number == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	// Numbers starting with 0 play the part of unregistered recipients.
	if strings.HasPrefix(msg.Number, "0") {
		log.Printf("fake-channel unknown number %s", msg.Number)
		http.Error(w, `{"message":"number does not exist"}`, http.StatusBadRequest)
		return
	}

	// Simulate flakiness: first N requests -> 500
	if reqCount <= failFirstN {
		log.Printf("FAILING (%d/%d) instance=%s number=%s", reqCount, failFirstN, instance, msg.Number)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	// Simulate throttling: every Nth request -> 429
	if rateLimitEvery > 0 && reqCount%rateLimitEvery == 0 {
		log.Printf("RATE LIMITING (%d) instance=%s number=%s", reqCount, instance, msg.Number)
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	log.Printf("fake-channel OK instance=%s number=%s text=%q", instance, msg.Number, truncate(msg.Text, 160))
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"key":{"id":"msg-%d"}}`, reqCount)
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
