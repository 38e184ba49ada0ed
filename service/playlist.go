package service

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/livepeer/m3u8"
	"transcode-coordinator/pkg/ffmpeg"
)

const MasterPlaylistName = "master.m3u8"

type renditionPlaylist struct {
	media  *m3u8.MediaPlaylist
	window []string
}

// LivePlaylists keeps the sliding-window media playlist of every rendition
// of a live session plus the master playlist pointing at them.
type LivePlaylists struct {
	dir             string
	listSize        int
	segmentDuration float64

	mu         sync.Mutex
	renditions map[string]*renditionPlaylist
}

func NewLivePlaylists(dir string, ladder []ffmpeg.Resolution, segmentDuration, listSize int) (*LivePlaylists, error) {
	if listSize < 1 {
		listSize = 1
	}
	p := &LivePlaylists{
		dir:             dir,
		listSize:        listSize,
		segmentDuration: float64(segmentDuration),
		renditions:      make(map[string]*renditionPlaylist),
	}

	master := m3u8.NewMasterPlaylist()
	for _, r := range ladder {
		master.Append(r.Name()+".m3u8", nil, m3u8.VariantParams{
			Bandwidth:  r.Bandwidth(),
			Resolution: fmt.Sprintf("%dx%d", r.Width, r.Height),
		})
	}
	if err := writeFileAtomic(filepath.Join(dir, MasterPlaylistName), master.Encode().Bytes()); err != nil {
		return nil, fmt.Errorf("write master playlist: %w", err)
	}
	return p, nil
}

// RenditionOf maps "720p-000012.ts" to "720p".
func RenditionOf(filename string) string {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	if i := strings.LastIndex(base, "-"); i > 0 {
		return base[:i]
	}
	return base
}

var segmentNamePattern = regexp.MustCompile(`^(\d+p)-(\d+)\.(?:ts|m4s)$`)

// parseSegmentName accepts "<rendition>-<sequence>.ts" or ".m4s" for a
// rendition of ladder and returns both parts.
func parseSegmentName(name string, ladder []ffmpeg.Resolution) (string, int, error) {
	m := segmentNamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidSegment, name)
	}
	seq, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidSegment, name)
	}
	for _, r := range ladder {
		if r.Name() == m[1] {
			return m[1], seq, nil
		}
	}
	return "", 0, fmt.Errorf("%w: no %s rendition for %q", ErrInvalidSegment, m[1], name)
}

// Append advertises filename in its rendition playlist and returns the
// segments that slid out of the window.
func (p *LivePlaylists) Append(filename string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	name := RenditionOf(filename)
	rendition, ok := p.renditions[name]
	if !ok {
		media, err := m3u8.NewMediaPlaylist(uint(p.listSize), uint(p.listSize))
		if err != nil {
			return nil, err
		}
		media.TargetDuration = p.segmentDuration
		rendition = &renditionPlaylist{media: media}
		p.renditions[name] = rendition
	}

	// The media sequence only moves when a segment leaves the window.
	var evicted []string
	if len(rendition.window) >= p.listSize {
		if err := rendition.media.Remove(); err != nil {
			return nil, err
		}
		evicted = append(evicted, rendition.window[0])
		rendition.window = rendition.window[1:]
	}
	if err := rendition.media.Append(filename, p.segmentDuration, ""); err != nil {
		return nil, err
	}
	rendition.window = append(rendition.window, filename)

	if err := p.write(name, rendition); err != nil {
		return nil, err
	}
	return evicted, nil
}

// Close ends every rendition playlist so players stop polling.
func (p *LivePlaylists) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for name, rendition := range p.renditions {
		rendition.media.Close()
		if err := p.write(name, rendition); err != nil {
			return err
		}
	}
	return nil
}

func (p *LivePlaylists) write(name string, rendition *renditionPlaylist) error {
	return writeFileAtomic(filepath.Join(p.dir, name+".m3u8"), rendition.media.Encode().Bytes())
}

// VODMasterPlaylist lists one variant per rung, sharing the audio-only
// rendition produced next to them.
func VODMasterPlaylist(ladder []ffmpeg.Resolution) []byte {
	master := m3u8.NewMasterPlaylist()
	audio := &m3u8.Alternative{
		GroupId:    "audio",
		Type:       "AUDIO",
		Name:       "default",
		Default:    true,
		Autoselect: "YES",
		URI:        "audio.m3u8",
	}
	for _, r := range ladder {
		master.Append(r.Name()+".m3u8", nil, m3u8.VariantParams{
			Bandwidth:    r.Bandwidth(),
			Resolution:   fmt.Sprintf("%dx%d", r.Width, r.Height),
			Codecs:       "avc1.640028,mp4a.40.2",
			Audio:        "audio",
			Alternatives: []*m3u8.Alternative{audio},
		})
	}
	return master.Encode().Bytes()
}
