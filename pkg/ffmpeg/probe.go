package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

type ProbeResult struct {
	Width    int
	Height   int
	HasVideo bool
	HasAudio bool
}

// Prober reads the streams of an input with ffprobe.
type Prober struct {
	Binary  string
	Timeout time.Duration
}

func (p Prober) Probe(ctx context.Context, input string) (*ProbeResult, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	args := []string{"-v", "error", "-print_format", "json", "-show_streams", input}
	zerolog.Ctx(ctx).Debug().Str("input", input).Msg("probing input")

	output, err := exec.CommandContext(ctx, p.Binary, args...).Output()
	if err != nil {
		var stderr string
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			stderr = string(exitErr.Stderr)
		}
		return nil, fmt.Errorf("ffprobe %s failed: %w %s", input, err, stderr)
	}
	return ParseProbe(output)
}

// ParseProbe reads the output of "ffprobe -print_format json -show_streams".
// The first video stream gives the dimensions.
func ParseProbe(data []byte) (*ProbeResult, error) {
	var out struct {
		Streams []struct {
			CodecType string `json:"codec_type"`
			Width     int    `json:"width"`
			Height    int    `json:"height"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode ffprobe output: %w", err)
	}

	result := &ProbeResult{}
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if !result.HasVideo && s.Height > 0 {
				result.HasVideo = true
				result.Width, result.Height = s.Width, s.Height
			}
		case "audio":
			result.HasAudio = true
		}
	}
	return result, nil
}

// LadderUpTo keeps the rungs no taller than height. An input smaller than
// every rung keeps a single rung at its own height.
func LadderUpTo(ladder []Resolution, height int) []Resolution {
	kept := make([]Resolution, 0, len(ladder))
	for _, r := range ladder {
		if r.Height <= height {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 && height > 0 {
		return LadderFor([]int{height})
	}
	return kept
}
