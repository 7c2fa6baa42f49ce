package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rpol-recart/sam3-inference/internal/rtc"
)

// StartWebRTCStream accepts an SDP offer and answers it. Propagation
// results for the session will flow over the negotiated data channel.
func (handler *Handler) StartWebRTCStream(w http.ResponseWriter, r *http.Request) {
	var offer rtc.SessionOffer
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		handler.respondError(w, http.StatusBadRequest, "Invalid offer body")
		return
	}
	if offer.SessionID == "" || offer.SDP == "" {
		handler.respondError(w, http.StatusBadRequest, "session_id and sdp are required")
		return
	}

	answerSDP, err := handler.rtcHandler.HandleOffer(offer.SessionID, offer.SDP)
	if err != nil {
		handler.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	handler.respondJSON(w, http.StatusOK, rtc.SessionAnswer{
		SessionID: offer.SessionID,
		SDP:       answerSDP,
		Type:      "answer",
	})
}

func (handler *Handler) HandleICECandidate(w http.ResponseWriter, r *http.Request) {
	var candidate rtc.ICECandidate
	if err := json.NewDecoder(r.Body).Decode(&candidate); err != nil {
		handler.respondError(w, http.StatusBadRequest, "Invalid candidate body")
		return
	}

	if err := handler.rtcHandler.HandleICECandidate(candidate.SessionID, candidate.Candidate); err != nil {
		handler.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	handler.respondJSON(w, http.StatusOK, map[string]string{"status": "candidate_added"})
}

func (handler *Handler) CloseWebRTCStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	if err := handler.rtcHandler.CloseSession(sessionID); err != nil {
		handler.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	handler.respondJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}
