package ffmpeg

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

type Resolution struct {
	Width     int
	Height    int
	Bitrate   string // e.g., "800k"
	AudioRate string // e.g., "96k"
}

// Bandwidth is the advertised peak bitrate in bits per second.
func (r Resolution) Bandwidth() uint32 {
	var video, audio int
	fmt.Sscanf(r.Bitrate, "%dk", &video)
	fmt.Sscanf(r.AudioRate, "%dk", &audio)
	return uint32((video + audio) * 1000)
}

func (r Resolution) Name() string {
	return fmt.Sprintf("%dp", r.Height)
}

// Define the target resolutions for HLS.
var DefaultLadder = []Resolution{
	{Width: 256, Height: 144, Bitrate: "200k", AudioRate: "64k"},
	{Width: 640, Height: 360, Bitrate: "800k", AudioRate: "96k"},
	{Width: 854, Height: 480, Bitrate: "1500k", AudioRate: "128k"},
	{Width: 1280, Height: 720, Bitrate: "3000k", AudioRate: "192k"},
	{Width: 1920, Height: 1080, Bitrate: "5000k", AudioRate: "192k"},
}

// LadderFor picks the rungs of DefaultLadder matching heights, lowest first.
// Unknown heights get a 16:9 rung with a bitrate scaled from 720p.
func LadderFor(heights []int) []Resolution {
	ladder := make([]Resolution, 0, len(heights))
	for _, h := range heights {
		found := false
		for _, r := range DefaultLadder {
			if r.Height == h {
				ladder = append(ladder, r)
				found = true
				break
			}
		}
		if !found && h > 0 {
			width := (h*16/9 + 1) &^ 1
			ladder = append(ladder, Resolution{
				Width:     width,
				Height:    h,
				Bitrate:   fmt.Sprintf("%dk", 3000*h/720),
				AudioRate: "128k",
			})
		}
	}
	sort.Slice(ladder, func(i, j int) bool { return ladder[i].Height < ladder[j].Height })
	return ladder
}

func scaleFilter(ladder []Resolution) string {
	var filterComplexBuilder strings.Builder
	for _, r := range ladder {
		filterComplexBuilder.WriteString(
			fmt.Sprintf("[0:v]scale=w=%d:h=%d:force_original_aspect_ratio=decrease,pad=w=%d:h=%d:x=(ow-iw)/2:y=(oh-ih)/2[v%d]; ",
				r.Width, r.Height, r.Width, r.Height, r.Height))
	}
	return strings.TrimSuffix(filterComplexBuilder.String(), "; ")
}

// VODHLSArgs builds one HLS playlist per rung plus an audio-only playlist.
func VODHLSArgs(inputFilepath, outputDir string, ladder []Resolution) []string {
	ffmpegArgs := []string{
		"-i", inputFilepath,
		"-filter_complex", scaleFilter(ladder),
	}

	for _, r := range ladder {
		ffmpegArgs = append(ffmpegArgs,
			"-map", fmt.Sprintf("[v%d]", r.Height),
			"-c:v", "libx264",
			"-preset", "veryfast",
			"-crf", "22",
			"-b:v", r.Bitrate,
			"-maxrate", r.Bitrate,
			"-bufsize", r.Bitrate,
			"-f", "hls",
			"-hls_time", "6",
			"-hls_playlist_type", "vod",
			"-hls_segment_filename", filepath.Join(outputDir, r.Name()+"_%03d.ts"),
			filepath.Join(outputDir, r.Name()+".m3u8"),
		)
	}

	highestAudioRate := "96k"
	if len(ladder) > 0 {
		highestAudioRate = ladder[len(ladder)-1].AudioRate
	}
	return append(ffmpegArgs,
		"-map", "0:a:0?",
		"-c:a", "aac",
		"-b:a", highestAudioRate,
		"-f", "hls",
		"-hls_time", "6",
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(outputDir, "audio_%03d.ts"),
		filepath.Join(outputDir, "audio.m3u8"))
}

// LiveHLSArgs encodes an RTMP input into one muxed HLS rendition per rung.
// Segments are named "<height>p-<sequence>.ts" in outputDir. Progress
// reports go to stdout.
func LiveHLSArgs(input, outputDir string, ladder []Resolution, segmentDuration, listSize int) []string {
	ffmpegArgs := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-progress", "pipe:1",
		"-i", input,
		"-filter_complex", scaleFilter(ladder),
	}

	for _, r := range ladder {
		ffmpegArgs = append(ffmpegArgs,
			"-map", fmt.Sprintf("[v%d]", r.Height),
			"-map", "0:a:0?",
			"-c:v", "libx264",
			"-preset", "veryfast",
			"-tune", "zerolatency",
			"-b:v", r.Bitrate,
			"-maxrate", r.Bitrate,
			"-bufsize", r.Bitrate,
			"-g", fmt.Sprintf("%d", segmentDuration*30),
			"-sc_threshold", "0",
			"-c:a", "aac",
			"-b:a", r.AudioRate,
			"-f", "hls",
			"-hls_time", fmt.Sprintf("%d", segmentDuration),
			"-hls_list_size", fmt.Sprintf("%d", listSize),
			"-hls_flags", "delete_segments+independent_segments",
			"-hls_segment_filename", filepath.Join(outputDir, r.Name()+"-%06d.ts"),
			filepath.Join(outputDir, r.Name()+".m3u8"),
		)
	}
	return ffmpegArgs
}

// WebVideoArgs transcodes the input into a single progressive mp4.
func WebVideoArgs(inputFilepath, outputPath string, r Resolution) []string {
	return []string{
		"-i", inputFilepath,
		"-vf", fmt.Sprintf("scale=w=%d:h=%d:force_original_aspect_ratio=decrease,pad=w=%d:h=%d:x=(ow-iw)/2:y=(oh-ih)/2", r.Width, r.Height, r.Width, r.Height),
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "23",
		"-b:v", r.Bitrate,
		"-maxrate", r.Bitrate,
		"-bufsize", r.Bitrate,
		"-c:a", "aac",
		"-b:a", r.AudioRate,
		"-movflags", "+faststart",
		"-y",
		outputPath,
	}
}

// ConcatArgs joins the files listed in concatFilePath without re-encoding.
func ConcatArgs(concatFilePath, outputPath string) []string {
	return []string{
		"-f", "concat",
		"-safe", "0",
		"-i", concatFilePath,
		"-c", "copy",
		"-bsf:a", "aac_adtstoasc",
		"-movflags", "+faststart",
		"-y",
		outputPath,
	}
}
