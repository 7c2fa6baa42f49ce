// Package rtc delivers propagation streams over WebRTC data channels,
// the low-latency alternative to the WebSocket binding.
package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/rpol-recart/sam3-inference/internal/dto"
	"github.com/rpol-recart/sam3-inference/internal/models"
	"github.com/rpol-recart/sam3-inference/internal/propagate"
	"github.com/rpol-recart/sam3-inference/internal/stream"
)

// StreamHandler manages WebRTC peer connections for result streaming.
// The client sends one propagation request on a "propagate" data channel;
// results come back on the server-created "results" channel.
type StreamHandler struct {
	propagator      *propagate.Service
	peerConnections sync.Map // map[sessionID]*peerSession
	api             *webrtc.API
	config          webrtc.Configuration
	log             zerolog.Logger
}

type peerSession struct {
	conn    *webrtc.PeerConnection
	results *webrtc.DataChannel
	cancel  context.CancelFunc
	mu      sync.Mutex
	running bool
}

// SessionOffer represents a WebRTC offer from client
type SessionOffer struct {
	SessionID string `json:"session_id"`
	SDP       string `json:"sdp"`
	Type      string `json:"type"`
}

// SessionAnswer represents a WebRTC answer to client
type SessionAnswer struct {
	SessionID string `json:"session_id"`
	SDP       string `json:"sdp"`
	Type      string `json:"type"`
}

// ICECandidate represents an ICE candidate
type ICECandidate struct {
	SessionID string                  `json:"session_id"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

func NewStreamHandler(propagator *propagate.Service, log zerolog.Logger) *StreamHandler {
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}

	settings := webrtc.SettingEngine{}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))

	return &StreamHandler{
		propagator: propagator,
		api:        api,
		config:     config,
		log:        log.With().Str("component", "rtc").Logger(),
	}
}

// HandleOffer processes a WebRTC offer and returns an answer
func (h *StreamHandler) HandleOffer(sessionID string, sdp string) (string, error) {
	peerConnection, err := h.api.NewPeerConnection(h.config)
	if err != nil {
		return "", fmt.Errorf("failed to create peer connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ps := &peerSession{conn: peerConnection, cancel: cancel}
	h.peerConnections.Store(sessionID, ps)

	peerConnection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		h.log.Debug().
			Str("session_id", sessionID).
			Str("state", state.String()).
			Msg("connection state changed")

		if state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed ||
			state == webrtc.PeerConnectionStateDisconnected {
			h.CloseSession(sessionID)
		}
	})

	resultsChannel, err := peerConnection.CreateDataChannel("results", nil)
	if err != nil {
		peerConnection.Close()
		h.peerConnections.Delete(sessionID)
		return "", fmt.Errorf("failed to create results data channel: %w", err)
	}
	ps.results = resultsChannel

	// The client opens "propagate" and sends one request on it.
	peerConnection.OnDataChannel(func(dataChannel *webrtc.DataChannel) {
		if dataChannel.Label() != "propagate" {
			return
		}
		dataChannel.OnMessage(func(msg webrtc.DataChannelMessage) {
			h.startRun(ctx, sessionID, ps, msg.Data)
		})
	})

	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}
	if err := peerConnection.SetRemoteDescription(offer); err != nil {
		peerConnection.Close()
		h.peerConnections.Delete(sessionID)
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConnection.CreateAnswer(nil)
	if err != nil {
		peerConnection.Close()
		h.peerConnections.Delete(sessionID)
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := peerConnection.SetLocalDescription(answer); err != nil {
		peerConnection.Close()
		h.peerConnections.Delete(sessionID)
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	return answer.SDP, nil
}

// HandleICECandidate adds an ICE candidate to the peer connection
func (h *StreamHandler) HandleICECandidate(sessionID string, candidate webrtc.ICECandidateInit) error {
	val, ok := h.peerConnections.Load(sessionID)
	if !ok {
		return fmt.Errorf("peer connection not found for session: %s", sessionID)
	}

	ps := val.(*peerSession)
	if err := ps.conn.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

// startRun parses the request off the data channel and drains a run onto
// the results channel. One run per peer at a time.
func (h *StreamHandler) startRun(ctx context.Context, sessionID string, ps *peerSession, payload []byte) {
	ps.mu.Lock()
	if ps.running {
		ps.mu.Unlock()
		h.sendError(ps, "a propagation is already running on this connection")
		return
	}
	ps.running = true
	ps.mu.Unlock()

	var req dto.PropagateRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		h.sendError(ps, "invalid propagate request")
		h.clearRunning(ps)
		return
	}

	run, err := h.propagator.Start(sessionID, propagate.Options{
		Direction:  models.Direction(req.Direction),
		StartFrame: req.StartFrameIndex,
		MaxFrames:  req.MaxFrames,
	})
	if err != nil {
		h.sendError(ps, err.Error())
		h.clearRunning(ps)
		return
	}

	go func() {
		defer h.clearRunning(ps)
		if err := stream.Deliver(ctx, run, channelSender{channel: ps.results}); err != nil {
			h.log.Warn().Err(err).Str("session_id", sessionID).Msg("rtc stream ended early")
		}
	}()
}

func (h *StreamHandler) clearRunning(ps *peerSession) {
	ps.mu.Lock()
	ps.running = false
	ps.mu.Unlock()
}

func (h *StreamHandler) sendError(ps *peerSession, message string) {
	channelSender{channel: ps.results}.Send(stream.Message{Type: stream.TypeError, Error: message})
}

// channelSender adapts a data channel to the stream.Sender interface.
type channelSender struct {
	channel *webrtc.DataChannel
}

func (s channelSender) Send(msg stream.Message) error {
	if s.channel == nil || s.channel.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("results data channel not open")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return s.channel.SendText(string(data))
}

// CloseSession closes WebRTC connection for a session
func (h *StreamHandler) CloseSession(sessionID string) error {
	val, ok := h.peerConnections.LoadAndDelete(sessionID)
	if !ok {
		return fmt.Errorf("peer connection not found for session: %s", sessionID)
	}

	ps := val.(*peerSession)
	ps.cancel()
	if err := ps.conn.Close(); err != nil {
		h.log.Warn().Err(err).Str("session_id", sessionID).Msg("error closing peer connection")
	}
	h.log.Info().Str("session_id", sessionID).Msg("rtc session closed")
	return nil
}
