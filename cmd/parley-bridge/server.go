// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/parley-dev/parley/activity"
)

// newServer builds the bridge's inbound HTTP API: prompt submission,
// abort, channel release, and a health probe.
func newServer(listen string, dispatcher *Dispatcher, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/prompts", func(w http.ResponseWriter, r *http.Request) {
		var prompt Prompt
		if err := json.NewDecoder(r.Body).Decode(&prompt); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
			return
		}
		err := dispatcher.Dispatch(r.Context(), prompt)
		switch {
		case err == nil:
			w.WriteHeader(http.StatusAccepted)
		case errors.Is(err, activity.ErrBusy):
			writeError(w, http.StatusConflict, "busy", err.Error())
		default:
			logger.Error("dispatch failed",
				"channel", prompt.ChannelID, "thread", prompt.ThreadID, "error", err)
			writeError(w, http.StatusBadGateway, "dispatch_failed", err.Error())
		}
	})

	mux.HandleFunc("POST /v1/conversations/{channel}/abort", func(w http.ResponseWriter, r *http.Request) {
		channelID := r.PathValue("channel")
		threadID := r.URL.Query().Get("thread_id")
		if err := dispatcher.Abort(r.Context(), channelID, threadID); err != nil {
			writeError(w, http.StatusNotFound, "no_turn", err.Error())
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("DELETE /v1/conversations/{channel}", func(w http.ResponseWriter, r *http.Request) {
		if err := dispatcher.Release(r.Context(), r.PathValue("channel")); err != nil {
			writeError(w, http.StatusInternalServerError, "release_failed", err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		channelID := r.URL.Query().Get("channel")
		if channelID == "" {
			writeError(w, http.StatusBadRequest, "invalid_query", "channel is required")
			return
		}
		models, err := dispatcher.Models(r.Context(), channelID)
		if err != nil {
			logger.Error("model list failed", "channel", channelID, "error", err)
			writeError(w, http.StatusBadGateway, "models_failed", err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"models": models})
	})

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	return &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"code": code, "message": message})
}
