package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/rpol-recart/sam3-inference/internal/dto"
	"github.com/rpol-recart/sam3-inference/internal/models"
	"github.com/rpol-recart/sam3-inference/internal/propagate"
	"github.com/rpol-recart/sam3-inference/internal/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsSender struct {
	conn *websocket.Conn
}

func (s wsSender) Send(msg stream.Message) error {
	return s.conn.WriteJSON(msg)
}

// PropagateStream upgrades the connection, reads a single propagation
// request and streams frame results back as they are produced. A client
// disconnect cancels the run at the next frame boundary.
func (handler *Handler) PropagateStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		handler.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	var req dto.PropagateRequest
	if err := conn.ReadJSON(&req); err != nil {
		conn.WriteJSON(stream.Message{Type: stream.TypeError, Error: "invalid propagate request"})
		return
	}

	run, err := handler.propagator.Start(sessionID, propagate.Options{
		Direction:  models.Direction(req.Direction),
		StartFrame: req.StartFrameIndex,
		MaxFrames:  req.MaxFrames,
	})
	if err != nil {
		conn.WriteJSON(stream.ErrorMessage(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// the read pump only exists to notice the peer going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := stream.Deliver(ctx, run, wsSender{conn: conn}); err != nil {
		handler.log.Warn().Err(err).Str("session_id", sessionID).Msg("stream ended early")
	}
}
