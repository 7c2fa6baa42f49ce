// Package videoprobe extracts video metadata with ffprobe. It backs the
// session start path when the inference worker reports incomplete
// dimensions for a local file.
package videoprobe

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rpol-recart/sam3-inference/internal/models"
)

// CheckInstallation verifies ffprobe is available.
func CheckInstallation() error {
	cmd := exec.Command("ffprobe", "-version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffprobe is not installed or not in PATH: %w", err)
	}
	return nil
}

type probeOutput struct {
	Streams []struct {
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		AvgFPS     string `json:"avg_frame_rate"`
		FrameCount string `json:"nb_frames"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe reads the first video stream's metadata.
func Probe(ctx context.Context, videoPath string) (models.VideoInfo, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,avg_frame_rate,nb_frames",
		"-show_entries", "format=duration",
		"-of", "json",
		videoPath,
	)

	output, err := cmd.Output()
	if err != nil {
		return models.VideoInfo{}, fmt.Errorf("failed to probe video: %w", err)
	}

	var probed probeOutput
	if err := json.Unmarshal(output, &probed); err != nil {
		return models.VideoInfo{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	if len(probed.Streams) == 0 {
		return models.VideoInfo{}, fmt.Errorf("no video stream in %s", videoPath)
	}

	stream := probed.Streams[0]
	info := models.VideoInfo{
		Resolution: models.Resolution{Width: stream.Width, Height: stream.Height},
		FPS:        parseRate(stream.AvgFPS),
	}
	info.TotalFrames, _ = strconv.Atoi(stream.FrameCount)
	info.DurationSeconds, _ = strconv.ParseFloat(probed.Format.Duration, 64)
	if info.TotalFrames == 0 && info.FPS > 0 {
		info.TotalFrames = int(info.DurationSeconds * info.FPS)
	}
	return info, nil
}

// parseRate converts ffprobe's "30000/1001" rational into a float.
func parseRate(rate string) float64 {
	parts := strings.SplitN(rate, "/", 2)
	num, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0
	}
	if len(parts) == 1 {
		return num
	}
	den, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || den == 0 {
		return 0
	}
	return num / den
}
