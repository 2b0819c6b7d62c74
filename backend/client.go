// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// Client is an HTTP client for one backend's control API. Clients are
// cheap value-like structs: create one per call site from the handle's
// current endpoint rather than caching across restarts (a restart may
// move the backend to a new port).
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a control client for the backend at baseURL
// (e.g. "http://127.0.0.1:7431"). A nil httpClient uses the shared
// loopback client with a 30-second timeout; pass a custom client for
// calls that must not time out.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = loopbackHTTPClient
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

// SessionInfo describes a backend session.
type SessionInfo struct {
	// SessionID identifies the session for all subsequent calls.
	SessionID string `json:"session_id"`

	// Model is the model the session is running.
	Model string `json:"model,omitempty"`

	// Mode is the session's permission mode.
	Mode string `json:"mode,omitempty"`

	// WorkingDirectory is the session's working directory.
	WorkingDirectory string `json:"working_directory,omitempty"`
}

// CreateSessionRequest holds parameters for CreateSession.
type CreateSessionRequest struct {
	WorkingDirectory string `json:"working_directory,omitempty"`
	Model            string `json:"model,omitempty"`
	Mode             string `json:"mode,omitempty"`
}

// PromptPart is one part of a prompt: text or an attachment reference.
type PromptPart struct {
	// Type is "text" or "attachment".
	Type string `json:"type"`

	// Text is set for text parts.
	Text string `json:"text,omitempty"`

	// Path is the local path of a downloaded attachment, set for
	// attachment parts.
	Path string `json:"path,omitempty"`
}

// PromptOptions carries per-prompt settings.
type PromptOptions struct {
	// Model overrides the session model for this prompt.
	Model string `json:"model,omitempty"`

	// Mode overrides the permission mode for this prompt.
	Mode string `json:"mode,omitempty"`
}

// ModelInfo describes one model the backend offers.
type ModelInfo struct {
	// ID is the model identifier accepted by PromptOptions.Model.
	ID string `json:"id"`

	// DisplayName is a human-readable label.
	DisplayName string `json:"display_name,omitempty"`

	// Default marks the model sessions get when none is requested.
	Default bool `json:"default,omitempty"`
}

// Message is one entry of a session's authoritative message history,
// returned by GetMessages. This is the reconciliation source when the
// event stream dropped a tool completion or the final response text.
type Message struct {
	// Role is "user" or "assistant".
	Role string `json:"role"`

	// Parts is the ordered message content.
	Parts []MessagePart `json:"parts"`
}

// MessagePart is one content block of a Message.
type MessagePart struct {
	// Type is "text", "tool_use", or "tool_result".
	Type string `json:"type"`

	// Text is set for text parts.
	Text string `json:"text,omitempty"`

	// ToolID correlates tool_use and tool_result parts, and matches
	// the stream's ToolPayload.ID.
	ToolID string `json:"tool_id,omitempty"`

	// ToolName is set for tool_use parts.
	ToolName string `json:"tool_name,omitempty"`

	// Input is the tool input for tool_use parts, as raw JSON.
	Input json.RawMessage `json:"input,omitempty"`

	// Output is the result text for tool_result parts.
	Output string `json:"output,omitempty"`

	// IsError marks failed tool_result parts.
	IsError bool `json:"is_error,omitempty"`
}

// CreateSession creates a new backend session.
func (c *Client) CreateSession(ctx context.Context, request CreateSessionRequest) (*SessionInfo, error) {
	var info SessionInfo
	if err := c.call(ctx, http.MethodPost, "/v1/sessions", request, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ForkSession creates a new session sharing the source session's
// conversation history, used when a conversation is split into a new
// tenant that should reuse compute and context.
func (c *Client) ForkSession(ctx context.Context, sessionID string) (*SessionInfo, error) {
	var info SessionInfo
	if err := c.call(ctx, http.MethodPost, "/v1/sessions/"+sessionID+"/fork", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// DeleteSession deletes a session and its server-side state.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.call(ctx, http.MethodDelete, "/v1/sessions/"+sessionID, nil, nil)
}

// PromptAsync dispatches a prompt and returns as soon as the backend
// accepts it. Progress arrives on the event stream; the turn ends with
// a terminal session.idle/error/aborted event.
func (c *Client) PromptAsync(ctx context.Context, sessionID string, parts []PromptPart, options PromptOptions) error {
	body := struct {
		RequestID string        `json:"request_id"`
		Parts     []PromptPart  `json:"parts"`
		Options   PromptOptions `json:"options"`
	}{
		// A fresh request ID makes retried dispatches idempotent
		// backend-side.
		RequestID: uuid.NewString(),
		Parts:     parts,
		Options:   options,
	}
	return c.call(ctx, http.MethodPost, "/v1/sessions/"+sessionID+"/prompt", body, nil)
}

// Abort interrupts the session's in-flight turn. The turn still ends
// with a terminal event (session.aborted) on the stream.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	return c.call(ctx, http.MethodPost, "/v1/sessions/"+sessionID+"/abort", nil, nil)
}

// GetMessages fetches the session's full ordered message history.
func (c *Client) GetMessages(ctx context.Context, sessionID string) ([]Message, error) {
	var response struct {
		Messages []Message `json:"messages"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/sessions/"+sessionID+"/messages", nil, &response); err != nil {
		return nil, err
	}
	return response.Messages, nil
}

// ListModels fetches the models the backend can run.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var response struct {
		Models []ModelInfo `json:"models"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/models", nil, &response); err != nil {
		return nil, err
	}
	return response.Models, nil
}

// RespondToPermission answers a pending permission request.
func (c *Client) RespondToPermission(ctx context.Context, sessionID, requestID string, allow bool) error {
	body := struct {
		RequestID string `json:"request_id"`
		Allow     bool   `json:"allow"`
	}{RequestID: requestID, Allow: allow}
	return c.call(ctx, http.MethodPost, "/v1/sessions/"+sessionID+"/permission", body, nil)
}

// Health probes the backend. A nil return means the backend answered.
func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/v1/health", nil, nil)
}

// call issues one JSON request. Non-2xx responses are returned as
// *Error with the backend's code and message when the body carries
// them.
func (c *Client) call(ctx context.Context, method, path string, requestBody, responseBody any) error {
	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("backend: encoding %s %s body: %w", method, path, err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("backend: building %s %s: %w", method, path, err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		apiError := &Error{StatusCode: response.StatusCode}
		var decoded struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(response.Body, 64*1024))
		if json.Unmarshal(raw, &decoded) == nil && decoded.Message != "" {
			apiError.Code = decoded.Code
			apiError.Message = decoded.Message
		} else {
			apiError.Message = string(raw)
		}
		return apiError
	}

	if responseBody == nil {
		io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(responseBody); err != nil {
		return fmt.Errorf("backend: decoding %s %s response: %w", method, path, err)
	}
	return nil
}
