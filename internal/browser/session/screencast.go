// internal/browser/session/screencast.go
package session

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color/palette"
	"image/gif"
	"os"
	"sync"
	"time"

	"golang.org/x/image/draw"
)

var errNoFrames = errors.New("no video frames were captured")

type frame struct {
	data []byte
	at   time.Time
}

// screencast buffers the JPEG frames the browser pushes while a page is
// recorded and renders them to an animated GIF at a fixed resolution.
type screencast struct {
	width, height int
	maxFrames     int

	mu      sync.Mutex
	frames  []frame
	dropped int
}

func newScreencast(width, height, maxFrames int) *screencast {
	if maxFrames <= 0 {
		maxFrames = 300
	}
	return &screencast{width: width, height: height, maxFrames: maxFrames}
}

// add stores one base64 frame. Frames past the limit are counted and dropped.
func (s *screencast) add(data string, at time.Time) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) >= s.maxFrames {
		s.dropped++
		return
	}
	s.frames = append(s.frames, frame{data: raw, at: at})
}

func (s *screencast) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// writeGIF renders the buffered frames to path. Frame delays follow the
// capture timestamps.
func (s *screencast) writeGIF(path string) error {
	s.mu.Lock()
	frames := append([]frame(nil), s.frames...)
	s.mu.Unlock()

	if len(frames) == 0 {
		return errNoFrames
	}

	anim := &gif.GIF{}
	bounds := image.Rect(0, 0, s.width, s.height)
	for i, f := range frames {
		src, _, err := image.Decode(bytes.NewReader(f.data))
		if err != nil {
			continue
		}
		scaled := image.NewRGBA(bounds)
		draw.ApproxBiLinear.Scale(scaled, bounds, src, src.Bounds(), draw.Src, nil)
		paletted := image.NewPaletted(bounds, palette.Plan9)
		draw.FloydSteinberg.Draw(paletted, bounds, scaled, image.Point{})

		anim.Image = append(anim.Image, paletted)
		anim.Delay = append(anim.Delay, frameDelay(frames, i))
	}
	if len(anim.Image) == 0 {
		return errNoFrames
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create video file: %w", err)
	}
	if err := gif.EncodeAll(out, anim); err != nil {
		out.Close()
		return fmt.Errorf("failed to encode video: %w", err)
	}
	return out.Close()
}

// frameDelay is the display time of frame i in hundredths of a second.
func frameDelay(frames []frame, i int) int {
	const minDelay, lastDelay = 2, 100
	if i+1 >= len(frames) {
		return lastDelay
	}
	d := int(frames[i+1].at.Sub(frames[i].at) / (10 * time.Millisecond))
	return max(d, minDelay)
}
