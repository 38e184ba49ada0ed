package ffmpeg

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLadderFor(t *testing.T) {
	ladder := LadderFor([]int{720, 360, 540})
	if len(ladder) != 3 {
		t.Fatalf("len = %d", len(ladder))
	}
	if ladder[0].Height != 360 || ladder[1].Height != 540 || ladder[2].Height != 720 {
		t.Fatalf("ladder not sorted: %+v", ladder)
	}
	if ladder[1].Width%2 != 0 {
		t.Fatalf("odd width %d", ladder[1].Width)
	}
	if got := ladder[2].Bandwidth(); got != 3192000 {
		t.Fatalf("720p bandwidth = %d", got)
	}
}

func TestLiveHLSArgsNamesSegmentsPerRendition(t *testing.T) {
	args := strings.Join(LiveHLSArgs("rtmp://localhost/live/key", "/work", LadderFor([]int{360, 720}), 2, 15), " ")
	for _, want := range []string{
		"-hls_time 2",
		"-hls_list_size 15",
		"/work/360p-%06d.ts",
		"/work/720p-%06d.ts",
		"/work/720p.m3u8",
		"-progress pipe:1",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("args missing %q:\n%s", want, args)
		}
	}
}

func TestWriteConcatListEscapesQuotes(t *testing.T) {
	dir := t.TempDir()
	list := filepath.Join(dir, "list.txt")
	if err := WriteConcatList(list, []string{filepath.Join(dir, "it's.ts")}); err != nil {
		t.Fatal(err)
	}
	content, err := os.ReadFile(list)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), `it'\''s.ts`) {
		t.Fatalf("content = %q", content)
	}
}
