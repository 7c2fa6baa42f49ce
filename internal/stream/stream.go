// Package stream defines the transport-neutral framing for incremental
// propagation delivery. WebSocket and WebRTC bindings both speak these
// messages.
package stream

import (
	"context"

	"github.com/rpol-recart/sam3-inference/internal/apperr"
	"github.com/rpol-recart/sam3-inference/internal/models"
	"github.com/rpol-recart/sam3-inference/internal/propagate"
)

const (
	TypeFrame    = "frame"
	TypeComplete = "complete"
	TypeError    = "error"
)

// Message is one framed unit on a propagation stream. The stream carries
// zero or more frame messages followed by exactly one terminal message.
type Message struct {
	Type        string                `json:"type"`
	FrameIndex  *int                  `json:"frame_index,omitempty"`
	Objects     []models.ObjectResult `json:"objects,omitempty"`
	TotalFrames *int                  `json:"total_frames,omitempty"`
	Error       string                `json:"error,omitempty"`
}

func FrameMessage(fr models.FrameResult) Message {
	idx := fr.FrameIndex
	return Message{Type: TypeFrame, FrameIndex: &idx, Objects: fr.Objects}
}

func CompleteMessage(totalFrames int) Message {
	return Message{Type: TypeComplete, TotalFrames: &totalFrames}
}

func ErrorMessage(err error) Message {
	return Message{Type: TypeError, Error: err.Error()}
}

// Sender delivers one message to the peer. A Send error means the peer is
// gone and the run should stop.
type Sender interface {
	Send(Message) error
}

// Deliver drains a run onto a sender. Every stream ends with exactly one
// terminal message; nothing follows it. A send failure aborts the run so
// the session returns to Ready. The returned error reports why delivery
// stopped, nil on a fully delivered run.
func Deliver(ctx context.Context, run *propagate.Run, send Sender) error {
	for run.Next(ctx) {
		if err := send.Send(FrameMessage(run.Frame())); err != nil {
			run.Abort()
			return err
		}
	}

	if err := run.Err(); err != nil {
		// a disconnecting peer caused the cancellation; don't bother
		// telling it anything, and a failed error send changes nothing
		if !apperr.IsKind(err, apperr.Cancelled) {
			send.Send(ErrorMessage(err))
		}
		return err
	}
	return send.Send(CompleteMessage(run.Produced()))
}
