// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Gateway is an HTTP Surface implementation for a chat gateway
// exposing a JSON message API. Non-2xx responses come back as
// *SurfaceError carrying the gateway's error code and any Retry-After
// hint, so the retrying wrapper can classify them.
type Gateway struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewGateway creates a Gateway for the given base URL. token may be
// empty for gateways that don't authenticate. A nil httpClient uses a
// default with a 30-second timeout.
func NewGateway(baseURL, token string, httpClient *http.Client) *Gateway {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Gateway{baseURL: baseURL, token: token, httpClient: httpClient}
}

// PostMessage implements Surface.
func (g *Gateway) PostMessage(ctx context.Context, channelID, threadID, text string) (string, error) {
	body := struct {
		ThreadID string `json:"thread_id,omitempty"`
		Text     string `json:"text"`
	}{ThreadID: threadID, Text: text}
	var response struct {
		MessageID string `json:"message_id"`
	}
	err := g.call(ctx, http.MethodPost, "/v1/channels/"+channelID+"/messages", body, &response)
	if err != nil {
		return "", err
	}
	return response.MessageID, nil
}

// UpdateMessage implements Surface.
func (g *Gateway) UpdateMessage(ctx context.Context, channelID, messageID, text string) error {
	body := struct {
		Text string `json:"text"`
	}{Text: text}
	return g.call(ctx, http.MethodPatch, "/v1/channels/"+channelID+"/messages/"+messageID, body, nil)
}

// UploadAttachment implements Surface.
func (g *Gateway) UploadAttachment(ctx context.Context, channelID, threadID, filename string, content []byte) error {
	body := struct {
		ThreadID string `json:"thread_id,omitempty"`
		Filename string `json:"filename"`
		Content  []byte `json:"content"`
	}{ThreadID: threadID, Filename: filename, Content: content}
	return g.call(ctx, http.MethodPost, "/v1/channels/"+channelID+"/attachments", body, nil)
}

func (g *Gateway) call(ctx context.Context, method, path string, requestBody, responseBody any) error {
	encoded, err := json.Marshal(requestBody)
	if err != nil {
		return fmt.Errorf("chat: encoding %s %s body: %w", method, path, err)
	}

	request, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("chat: building %s %s: %w", method, path, err)
	}
	request.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		request.Header.Set("Authorization", "Bearer "+g.token)
	}

	response, err := g.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("chat: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		surfaceErr := &SurfaceError{StatusCode: response.StatusCode}
		if seconds, err := strconv.Atoi(response.Header.Get("Retry-After")); err == nil && seconds > 0 {
			surfaceErr.RetryAfter = time.Duration(seconds) * time.Second
		}
		var decoded struct {
			Code string `json:"code"`
		}
		raw, _ := io.ReadAll(io.LimitReader(response.Body, 64*1024))
		if json.Unmarshal(raw, &decoded) == nil {
			surfaceErr.Code = decoded.Code
		}
		return surfaceErr
	}

	if responseBody == nil {
		io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(responseBody); err != nil {
		return fmt.Errorf("chat: decoding %s %s response: %w", method, path, err)
	}
	return nil
}
