// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGatewayPostMessage(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody struct {
		ThreadID string `json:"thread_id"`
		Text     string `json:"text"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]string{"message_id": "msg-42"})
	}))
	defer server.Close()

	gateway := NewGateway(server.URL, "secret", nil)
	messageID, err := gateway.PostMessage(context.Background(), "C1", "ts1", "hello")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if messageID != "msg-42" {
		t.Errorf("messageID = %q", messageID)
	}
	if gotPath != "POST /v1/channels/C1/messages" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotBody.ThreadID != "ts1" || gotBody.Text != "hello" {
		t.Errorf("body = %+v", gotBody)
	}
}

func TestGatewayUpdateMessage(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
	}))
	defer server.Close()

	gateway := NewGateway(server.URL, "", nil)
	if err := gateway.UpdateMessage(context.Background(), "C1", "msg-42", "edited"); err != nil {
		t.Fatalf("UpdateMessage: %v", err)
	}
	if gotPath != "PATCH /v1/channels/C1/messages/msg-42" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestGatewayStructuredErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"code": "rate_limited"})
	}))
	defer server.Close()

	gateway := NewGateway(server.URL, "", nil)
	_, err := gateway.PostMessage(context.Background(), "C1", "", "hello")
	var surfaceErr *SurfaceError
	if !errors.As(err, &surfaceErr) {
		t.Fatalf("err = %v, want *SurfaceError", err)
	}
	if surfaceErr.StatusCode != http.StatusTooManyRequests || surfaceErr.Code != "rate_limited" {
		t.Errorf("surfaceErr = %+v", surfaceErr)
	}
	if surfaceErr.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", surfaceErr.RetryAfter)
	}
	if !IsRateLimited(err) || !Transient(err) {
		t.Error("rate limit not classified as transient")
	}
}
