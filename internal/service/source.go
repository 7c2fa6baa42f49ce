package service

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rpol-recart/sam3-inference/internal/apperr"
	"github.com/rpol-recart/sam3-inference/internal/engine"
)

var downloadClient = &http.Client{Timeout: 5 * time.Minute}

// resolveSource turns one of the three accepted video inputs into a local
// file path the engine can open. Downloaded and decoded videos land in the
// configured upload directory, named by content hash so repeats dedupe.
func (s *SessionService) resolveSource(path, url, b64 string) (engine.Source, error) {
	switch {
	case path != "":
		info, err := os.Stat(path)
		if err != nil {
			return engine.Source{}, apperr.New(apperr.InvalidRequest, "video path %s is not accessible", path)
		}
		if info.IsDir() {
			return engine.Source{}, apperr.New(apperr.InvalidRequest, "video path %s is a directory", path)
		}
		return engine.Source{Path: path}, nil
	case url != "":
		return s.downloadVideo(url)
	case b64 != "":
		return s.decodeVideo(b64)
	default:
		return engine.Source{}, apperr.New(apperr.InvalidRequest, "one of video_path, video_url or video_base64 is required")
	}
}

func (s *SessionService) downloadVideo(url string) (engine.Source, error) {
	resp, err := downloadClient.Get(url)
	if err != nil {
		return engine.Source{}, apperr.Wrap(apperr.InvalidRequest, err, "failed to download video")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return engine.Source{}, apperr.New(apperr.InvalidRequest, "video download returned status %d", resp.StatusCode)
	}

	limit := s.cfg.MaxUploadSizeMB * 1024 * 1024
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return engine.Source{}, apperr.Wrap(apperr.InvalidRequest, err, "failed to read video body")
	}
	if int64(len(data)) > limit {
		return engine.Source{}, apperr.New(apperr.InvalidRequest, "video exceeds the %dMB upload limit", s.cfg.MaxUploadSizeMB)
	}
	return s.writeUpload(data, filepath.Ext(url))
}

func (s *SessionService) decodeVideo(b64 string) (engine.Source, error) {
	limit := s.cfg.MaxUploadSizeMB * 1024 * 1024
	if int64(len(b64)) > limit*4/3+4 {
		return engine.Source{}, apperr.New(apperr.InvalidRequest, "video exceeds the %dMB upload limit", s.cfg.MaxUploadSizeMB)
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return engine.Source{}, apperr.Wrap(apperr.InvalidRequest, err, "video_base64 is not valid base64")
	}
	return s.writeUpload(data, ".mp4")
}

func (s *SessionService) writeUpload(data []byte, ext string) (engine.Source, error) {
	if ext == "" || len(ext) > 5 {
		ext = ".mp4"
	}
	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return engine.Source{}, fmt.Errorf("failed to create upload dir: %w", err)
	}
	sum := md5.Sum(data)
	dst := filepath.Join(s.cfg.UploadDir, hex.EncodeToString(sum[:])+ext)
	if _, err := os.Stat(dst); err == nil {
		return engine.Source{Path: dst}, nil
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return engine.Source{}, fmt.Errorf("failed to store uploaded video: %w", err)
	}
	return engine.Source{Path: dst}, nil
}
