package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Run executes binary with args and returns its combined output in the
// error when it fails.
func Run(ctx context.Context, binary string, args []string) error {
	zerolog.Ctx(ctx).Debug().Str("cmd", binary+" "+strings.Join(args, " ")).Msg("executing ffmpeg")

	cmd := exec.CommandContext(ctx, binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("ffmpeg_output", string(output)).Msg("ffmpeg failed")
		return fmt.Errorf("ffmpeg execution failed: %w\nOutput: %s", err, string(output))
	}
	return nil
}

// WriteConcatList writes the concat demuxer list for files.
func WriteConcatList(path string, files []string) error {
	var content strings.Builder
	for _, file := range files {
		absPath, err := filepath.Abs(file)
		if err != nil {
			return fmt.Errorf("failed to get absolute path: %w", err)
		}
		escapedPath := strings.ReplaceAll(absPath, "'", "'\\''")
		content.WriteString(fmt.Sprintf("file '%s'\n", escapedPath))
	}
	return os.WriteFile(path, []byte(content.String()), 0o644)
}
