package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/clawinfra/wabridge/internal/dispatch"
	"github.com/clawinfra/wabridge/internal/session"
	"github.com/clawinfra/wabridge/internal/types"
)

const (
	maxBodyBytes = 1 << 20
	qrImageSize  = 256
)

// queueFields maps queue item fields to their request names.
var queueFields = map[string]string{"destination": "chatId", "content": "message"}

type queueRequest struct {
	ChatID      string         `json:"chatId"`
	Message     string         `json:"message"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	MaxAttempts int            `json:"maxAttempts,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"isReady": s.opts.Session.IsReady(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"session":       s.opts.Session.Name(),
		"state":         s.opts.Session.State(),
		"isReady":       s.opts.Session.IsReady(),
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
	}
	if since := s.opts.Session.ReadySince(); !since.IsZero() {
		status["readySince"] = since
	}
	if s.opts.Queue != nil {
		status["queueLength"] = s.opts.Queue.Len()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req types.SendRequest
	if !s.decode(w, r, &req) {
		return
	}

	// Presence before readiness: a bad request is a 400 in any state.
	switch {
	case req.ChatID == "":
		writeError(w, http.StatusBadRequest, types.Missing("chatId").Error())
		return
	case req.Message == "":
		writeError(w, http.StatusBadRequest, types.Missing("message").Error())
		return
	}
	if !s.opts.Session.IsReady() {
		writeError(w, http.StatusServiceUnavailable, session.ErrNotInitialized.Error())
		return
	}

	id, err := s.opts.Direct.Send(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("direct send failed", "chatId", req.ChatID, "error", err)
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"messageId": id,
	})
}

func (s *Server) handleQueueMessage(w http.ResponseWriter, r *http.Request) {
	if s.opts.Queue == nil {
		writeError(w, http.StatusNotFound, "queue disabled")
		return
	}

	var req queueRequest
	if !s.decode(w, r, &req) {
		return
	}

	item, err := s.opts.Queue.Enqueue(dispatch.Item{
		Destination: req.ChatID,
		Content:     req.Message,
		Metadata:    req.Metadata,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		var ve *types.ValidationError
		if errors.As(err, &ve) && queueFields[ve.Field] != "" {
			err = &types.ValidationError{Field: queueFields[ve.Field], Reason: ve.Reason}
		}
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success":     true,
		"id":          item.ID,
		"queueLength": s.opts.Queue.Len(),
	})
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	code := s.opts.Session.QRCode()
	if code == "" {
		writeError(w, http.StatusNotFound, "no pairing code pending")
		return
	}

	png, err := qrcode.Encode(code, qrcode.Medium, qrImageSize)
	if err != nil {
		s.logger.Error("qr encode failed", "error", err)
		writeError(w, http.StatusInternalServerError, "qr encode failed")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("logout requested", "remote", r.RemoteAddr)
	if err := s.opts.Session.Logout(r.Context()); err != nil {
		s.logger.Error("logout failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// decode reads a JSON body, answering 400 itself when it cannot.
// Unknown fields such as auxiliaryText are ignored.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var ve *types.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotInitialized):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
