package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/prismproxy/prism/pkg/canonical"
	"github.com/prismproxy/prism/pkg/config"
	"github.com/prismproxy/prism/pkg/processor"
	"github.com/prismproxy/prism/pkg/protocol"
	"github.com/prismproxy/prism/pkg/proxyerror"
)

const maxBodySize = 64 << 20

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, r, proxyerror.Wrap(proxyerror.KindInvalidRequest, err, "reading request body"))
		return nil, false
	}
	return body, true
}

func requestMeta(r *http.Request) processor.Meta {
	return processor.Meta{
		SessionID: r.Header.Get("X-Session-ID"),
		UserAgent: r.Header.Get("User-Agent"),
	}
}

func echoSession(w http.ResponseWriter, req *canonical.Request) {
	if req.SessionID != "" {
		w.Header().Set("X-Session-ID", req.SessionID)
	}
}

// handleChatCompletions serves the OpenAI Chat Completions surface.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	req, err := protocol.ParseOpenAIRequest(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if req.Stream {
		s.streamChatCompletions(w, r, req)
		return
	}
	resp, err := s.processor.Process(r.Context(), req, requestMeta(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	echoSession(w, req)
	s.writeJSON(w, http.StatusOK, protocol.CanonicalToOpenAIResponse(resp))
}

func (s *Server) streamChatCompletions(w http.ResponseWriter, r *http.Request, req *canonical.Request) {
	stream, err := s.processor.ProcessStream(r.Context(), req, requestMeta(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	echoSession(w, req)
	sse, err := newSSEWriter(w)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for chunk := range stream {
		if chunk.Err != nil {
			sse.Data(openAIErrorBody(proxyerror.As(chunk.Err)))
			break
		}
		if err := sse.Data(protocol.CanonicalChunkToOpenAI(&chunk)); err != nil {
			return
		}
	}
	sse.Done()
}

// handleResponses serves the OpenAI Responses surface.
func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	req, err := protocol.ParseResponsesRequest(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if !req.Stream {
		resp, err := s.processor.Process(r.Context(), req, requestMeta(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		echoSession(w, req)
		s.writeJSON(w, http.StatusOK, protocol.CanonicalToResponsesResponse(resp))
		return
	}

	stream, err := s.processor.ProcessStream(r.Context(), req, requestMeta(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	echoSession(w, req)
	sse, err := newSSEWriter(w)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	renderer := &protocol.ResponsesStreamRenderer{}
	failed := false
	for chunk := range stream {
		if chunk.Err != nil {
			sse.Event("error", openAIErrorBody(proxyerror.As(chunk.Err)))
			failed = true
			break
		}
		for _, ev := range renderer.Feed(&chunk) {
			if err := sse.Event(ev.Type, ev); err != nil {
				return
			}
		}
	}
	if failed {
		return
	}
	for _, ev := range renderer.Finish() {
		if err := sse.Event(ev.Type, ev); err != nil {
			return
		}
	}
}

// handleAnthropicMessages serves the Anthropic Messages surface.
func (s *Server) handleAnthropicMessages(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	req, err := protocol.ParseAnthropicRequest(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if !req.Stream {
		resp, err := s.processor.Process(r.Context(), req, requestMeta(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		echoSession(w, req)
		s.writeJSON(w, http.StatusOK, protocol.CanonicalToAnthropicResponse(resp))
		return
	}

	stream, err := s.processor.ProcessStream(r.Context(), req, requestMeta(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	echoSession(w, req)
	sse, err := newSSEWriter(w)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	renderer := &protocol.AnthropicStreamRenderer{}
	failed := false
	for chunk := range stream {
		if chunk.Err != nil {
			pe := proxyerror.As(chunk.Err)
			sse.Event("error", map[string]any{
				"type": "error",
				"error": map[string]string{
					"type":    anthropicErrorType(pe),
					"message": pe.Message,
				},
			})
			failed = true
			break
		}
		for _, ev := range renderer.Feed(&chunk) {
			if err := sse.Event(ev.Type, ev); err != nil {
				return
			}
		}
	}
	if failed {
		return
	}
	for _, ev := range renderer.Finish() {
		if err := sse.Event(ev.Type, ev); err != nil {
			return
		}
	}
}

// handleGemini serves {model}:generateContent and :streamGenerateContent.
// The action rides in the last path segment after a colon, which chi treats
// as part of the parameter.
func (s *Server) handleGemini(w http.ResponseWriter, r *http.Request) {
	seg := chi.URLParam(r, "modelAction")
	idx := strings.LastIndex(seg, ":")
	if idx < 0 {
		s.writeError(w, r, proxyerror.InvalidRequest("bad_path", "expected model:action, got %q", seg))
		return
	}
	model, action := seg[:idx], seg[idx+1:]

	var stream bool
	switch action {
	case "generateContent":
	case "streamGenerateContent":
		stream = true
	default:
		s.writeError(w, r, proxyerror.InvalidRequest("bad_action", "unsupported action %q", action))
		return
	}

	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	req, err := protocol.ParseGeminiRequest(body, model, stream)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if !stream {
		resp, err := s.processor.Process(r.Context(), req, requestMeta(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		echoSession(w, req)
		s.writeJSON(w, http.StatusOK, protocol.CanonicalToGeminiResponse(resp))
		return
	}

	chunks, err := s.processor.ProcessStream(r.Context(), req, requestMeta(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	echoSession(w, req)
	sse, err := newSSEWriter(w)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for chunk := range chunks {
		if chunk.Err != nil {
			pe := proxyerror.As(chunk.Err)
			sse.Data(geminiErrorBody(pe))
			return
		}
		if err := sse.Data(protocol.CanonicalChunkToGemini(&chunk)); err != nil {
			return
		}
	}
}

// modelEntry is one row of the aggregated model list.
type modelEntry struct {
	backend config.BackendType
	model   string
}

func (s *Server) listAllModels(ctx context.Context) []modelEntry {
	var out []modelEntry
	for backend, conn := range s.connectors {
		models, err := conn.ListModels(ctx)
		if err != nil {
			s.logger.Warn("model listing failed", "backend", backend, "error", err)
			continue
		}
		for _, m := range models {
			out = append(out, modelEntry{backend: backend, model: m})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].backend != out[j].backend {
			return out[i].backend < out[j].backend
		}
		return out[i].model < out[j].model
	})
	return out
}

// handleListModels serves the OpenAI-shaped model list, with one
// backend-qualified id per model so callers can route explicitly.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	type wireModel struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	now := time.Now().Unix()
	data := make([]wireModel, 0)
	for _, e := range s.listAllModels(r.Context()) {
		data = append(data, wireModel{
			ID:      fmt.Sprintf("%s:%s", e.backend, e.model),
			Object:  "model",
			Created: now,
			OwnedBy: string(e.backend),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// handleAnthropicModels serves the same aggregate in the Anthropic shape.
func (s *Server) handleAnthropicModels(w http.ResponseWriter, r *http.Request) {
	type wireModel struct {
		ID          string `json:"id"`
		Type        string `json:"type"`
		DisplayName string `json:"display_name"`
	}
	data := make([]wireModel, 0)
	for _, e := range s.listAllModels(r.Context()) {
		data = append(data, wireModel{
			ID:          fmt.Sprintf("%s:%s", e.backend, e.model),
			Type:        "model",
			DisplayName: e.model,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"data": data, "has_more": false})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response write failed", "error", err)
	}
}

// writeError renders the taxonomy error in the wire shape of the surface
// that received the request.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	pe := proxyerror.As(err)
	status := pe.HTTPStatus()
	s.logger.Warn("request failed",
		"path", r.URL.Path, "status", status, "kind", string(pe.Kind), "error", pe.Message)

	switch {
	case strings.HasPrefix(r.URL.Path, "/anthropic/"):
		s.writeJSON(w, status, map[string]any{
			"type": "error",
			"error": map[string]string{
				"type":    anthropicErrorType(pe),
				"message": pe.Message,
			},
		})
	case strings.HasPrefix(r.URL.Path, "/v1beta/"):
		s.writeJSON(w, status, geminiErrorBody(pe))
	default:
		s.writeJSON(w, status, openAIErrorBody(pe))
	}
}

func openAIErrorBody(pe *proxyerror.Error) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"message": pe.Message,
			"type":    string(pe.Kind),
			"code":    pe.Code,
		},
	}
}

func geminiErrorBody(pe *proxyerror.Error) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"code":    pe.HTTPStatus(),
			"message": pe.Message,
			"status":  strings.ToUpper(string(pe.Kind)),
		},
	}
}

func anthropicErrorType(pe *proxyerror.Error) string {
	switch pe.Kind {
	case proxyerror.KindInvalidRequest:
		return "invalid_request_error"
	case proxyerror.KindAuthentication:
		return "authentication_error"
	case proxyerror.KindRateLimited:
		return "rate_limit_error"
	case proxyerror.KindModelNotFound:
		return "not_found_error"
	case proxyerror.KindBackendExhausted, proxyerror.KindUpstreamError:
		return "overloaded_error"
	default:
		return "api_error"
	}
}
