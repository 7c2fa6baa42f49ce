package models

import "fmt"

// Direction selects the frame traversal order of a propagation run.
type Direction string

const (
	DirectionForward  Direction = "forward"
	DirectionBackward Direction = "backward"
	DirectionBoth     Direction = "both"
)

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	switch d {
	case DirectionForward, DirectionBackward, DirectionBoth:
		return true
	}
	return false
}

// ObjectResult is the per-object tracking output for one frame.
// Box is [cx, cy, w, h] normalized to [0, 1]; Mask is run-length encoded.
type ObjectResult struct {
	ID    int        `json:"id"`
	Mask  string     `json:"mask"`
	Box   [4]float64 `json:"box"`
	Score float64    `json:"score"`
}

// FrameResult bundles the tracking output of every active object for a
// single frame index.
type FrameResult struct {
	FrameIndex int            `json:"frame_index"`
	Objects    []ObjectResult `json:"objects"`
}

// PromptType discriminates the prompt union.
type PromptType string

const (
	PromptText  PromptType = "text"
	PromptPoint PromptType = "point"
	PromptBox   PromptType = "box"
)

// Prompt is a tagged union over text, point and box prompts. Exactly the
// fields belonging to Type may be set; anything else is rejected at the
// boundary.
type Prompt struct {
	Type        PromptType  `json:"type"`
	Text        string      `json:"text,omitempty"`
	Points      [][]float64 `json:"points,omitempty"`
	PointLabels []int       `json:"point_labels,omitempty"`
	Box         []float64   `json:"box,omitempty"`
	Label       *bool       `json:"label,omitempty"`
}

// Validate checks structural well-formedness of a prompt.
func (p Prompt) Validate() error {
	switch p.Type {
	case PromptText:
		if p.Text == "" {
			return fmt.Errorf("text prompt requires a non-empty text field")
		}
	case PromptPoint:
		if len(p.Points) == 0 {
			return fmt.Errorf("point prompt requires at least one point")
		}
		if len(p.Points) != len(p.PointLabels) {
			return fmt.Errorf("point prompt has %d points but %d labels", len(p.Points), len(p.PointLabels))
		}
		for i, pt := range p.Points {
			if len(pt) != 2 {
				return fmt.Errorf("point %d must be [x, y], got %d coordinates", i, len(pt))
			}
		}
	case PromptBox:
		if len(p.Box) != 4 {
			return fmt.Errorf("box prompt requires [cx, cy, w, h], got %d values", len(p.Box))
		}
	default:
		return fmt.Errorf("unknown prompt type %q", p.Type)
	}
	return nil
}
