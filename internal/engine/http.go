package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/rpol-recart/sam3-inference/internal/models"
)

// HTTPEngine talks to an inference worker over its JSON API.
type HTTPEngine struct {
	baseURL     string
	client      *http.Client
	openTimeout time.Duration
	log         zerolog.Logger
}

// NewHTTPEngine builds a client for the worker at baseURL. frameTimeout caps
// a single inference call; openTimeout covers video decode/index on session
// open.
func NewHTTPEngine(baseURL string, frameTimeout, openTimeout time.Duration, log zerolog.Logger) *HTTPEngine {
	return &HTTPEngine{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: frameTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		openTimeout: openTimeout,
		log:         log.With().Str("component", "engine").Logger(),
	}
}

type openSessionRequest struct {
	SessionID    string   `json:"session_id"`
	ResourcePath string   `json:"resource_path"`
	Devices      []string `json:"devices"`
}

type openSessionResponse struct {
	VideoInfo models.VideoInfo `json:"video_info"`
}

func (e *HTTPEngine) OpenSession(ctx context.Context, sessionID string, src Source, devices []string) (models.VideoInfo, error) {
	// Opening decodes the whole video on the worker; give it its own budget
	// instead of the per-frame client timeout.
	ctx, cancel := context.WithTimeout(ctx, e.openTimeout)
	defer cancel()

	var resp openSessionResponse
	err := e.post(ctx, "/v1/session/open", openSessionRequest{
		SessionID:    sessionID,
		ResourcePath: src.Path,
		Devices:      devices,
	}, &resp, true)
	if err != nil {
		return models.VideoInfo{}, err
	}
	return resp.VideoInfo, nil
}

type addPromptRequest struct {
	FrameIndex int             `json:"frame_index"`
	Prompts    []models.Prompt `json:"prompts"`
	ObjectID   *int            `json:"obj_id,omitempty"`
}

type objectsResponse struct {
	Objects []models.ObjectResult `json:"objects"`
}

func (e *HTTPEngine) AddPrompt(ctx context.Context, sessionID string, frameIndex int, prompts []models.Prompt, objectID *int) ([]models.ObjectResult, error) {
	var resp objectsResponse
	err := e.post(ctx, "/v1/session/"+url.PathEscape(sessionID)+"/prompt", addPromptRequest{
		FrameIndex: frameIndex,
		Prompts:    prompts,
		ObjectID:   objectID,
	}, &resp, false)
	if err != nil {
		return nil, err
	}
	return resp.Objects, nil
}

type inferRequest struct {
	FrameIndex int `json:"frame_index"`
}

func (e *HTTPEngine) Infer(ctx context.Context, sessionID string, frameIndex int) ([]models.ObjectResult, error) {
	var resp objectsResponse
	err := e.post(ctx, "/v1/session/"+url.PathEscape(sessionID)+"/infer", inferRequest{FrameIndex: frameIndex}, &resp, false)
	if err != nil {
		return nil, err
	}
	return resp.Objects, nil
}

func (e *HTTPEngine) RemoveObject(ctx context.Context, sessionID string, objectID int) error {
	path := fmt.Sprintf("/v1/session/%s/object/%d/remove", url.PathEscape(sessionID), objectID)
	return e.post(ctx, path, struct{}{}, nil, false)
}

func (e *HTTPEngine) Reset(ctx context.Context, sessionID string) error {
	return e.post(ctx, "/v1/session/"+url.PathEscape(sessionID)+"/reset", struct{}{}, nil, false)
}

func (e *HTTPEngine) CloseSession(ctx context.Context, sessionID string) error {
	return e.post(ctx, "/v1/session/"+url.PathEscape(sessionID)+"/close", struct{}{}, nil, false)
}

type memoryResponse struct {
	MemoryMB float64 `json:"memory_mb"`
}

func (e *HTTPEngine) MemoryUsageMB(ctx context.Context, sessionID string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		e.baseURL+"/v1/session/"+url.PathEscape(sessionID)+"/memory", nil)
	if err != nil {
		return 0, err
	}
	var resp memoryResponse
	if err := e.do(req, &resp); err != nil {
		return 0, err
	}
	return resp.MemoryMB, nil
}

// post sends a JSON body and decodes the JSON reply into out (out may be
// nil). noClientTimeout bypasses the per-frame client timeout for calls that
// carry their own context deadline.
func (e *HTTPEngine) post(ctx context.Context, path string, body, out any, noClientTimeout bool) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	if noClientTimeout {
		client := &http.Client{Transport: e.client.Transport}
		return e.doWith(client, req, out)
	}
	return e.do(req, out)
}

func (e *HTTPEngine) do(req *http.Request, out any) error {
	return e.doWith(e.client, req, out)
}

func (e *HTTPEngine) doWith(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("inference worker unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		e.log.Warn().Int("status", resp.StatusCode).Str("path", req.URL.Path).Msg("worker returned error")
		return fmt.Errorf("inference worker returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode worker response: %w", err)
	}
	return nil
}
