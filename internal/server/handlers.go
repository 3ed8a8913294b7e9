package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sessionhub/sessionhub/internal/hub"
	"github.com/sessionhub/sessionhub/pkg/types"
)

// queryTimeout bounds synchronous round-trips to the subprocess.
const queryTimeout = 10 * time.Second

type promptRequest struct {
	Text         string                  `json:"text"`
	Images       []types.ImageAttachment `json:"images,omitempty"`
	OriginatorID string                  `json:"originatorID,omitempty"`
}

type promptResponse struct {
	Participants []string `json:"participants"`
}

type rotateResponse struct {
	ArchivePath string `json:"archivePath,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	writeJSON(w, http.StatusOK, s.hub.GetState(ctx))
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.HistoryData{Records: s.hub.History()})
}

func (s *Server) postPrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "text is required")
		return
	}
	if req.OriginatorID == "" {
		req.OriginatorID = "http"
	}

	participants, err := s.hub.SendPrompt(req.Text, req.OriginatorID, req.Images)
	if err != nil {
		if errors.Is(err, hub.ErrTurnActive) {
			writeError(w, http.StatusConflict, ErrCodeTurnActive, "a turn is already in flight")
			return
		}
		writeError(w, http.StatusBadGateway, ErrCodeAgentDown, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, promptResponse{Participants: participants})
}

func (s *Server) postAbort(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Abort(); err != nil {
		writeError(w, http.StatusBadGateway, ErrCodeAgentDown, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) getSessionInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rotator.Info())
}

// rotateSession archives the current session and starts a fresh one. The
// archive path and the rotation error are reported separately: the
// snapshot may exist even when the new-session step failed.
func (s *Server) rotateSession(w http.ResponseWriter, r *http.Request) {
	if s.hub.TurnActive() {
		writeError(w, http.StatusConflict, ErrCodeTurnActive, "cannot rotate session while a turn is in flight")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	res := s.rotator.ArchiveAndStartNew(ctx)
	body := rotateResponse{ArchivePath: res.ArchivePath}
	if res.Err != nil {
		body.Error = res.Err.Error()
		writeJSON(w, http.StatusBadGateway, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) takeoverSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.arb.KillTUI())
}
