package capture

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"
	"sync"

	"golang.org/x/image/draw"
)

// VideoSource exposes the current frame of a video track.
type VideoSource interface {
	Paused() bool
	Frame() (image.Image, error)
}

// MediaStream is a live capture stream. Either track may be absent.
type MediaStream interface {
	AudioTrack() AudioInput
	VideoTrack() VideoSource
}

// Stream is a MediaStream assembled from explicit tracks.
type Stream struct {
	Audio AudioInput
	Video VideoSource
}

func (s Stream) AudioTrack() AudioInput  { return s.Audio }
func (s Stream) VideoTrack() VideoSource { return s.Video }

// ImageSource is a VideoSource that cycles through still images, advancing
// one image per Frame call.
type ImageSource struct {
	mu     sync.Mutex
	frames []image.Image
	next   int
	paused bool
}

func NewImageSource(frames ...image.Image) *ImageSource {
	return &ImageSource{frames: frames}
}

// LoadImageSource decodes JPEG or PNG files into an ImageSource.
func LoadImageSource(paths ...string) (*ImageSource, error) {
	frames := make([]image.Image, 0, len(paths))
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		img, _, err := image.Decode(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		frames = append(frames, img)
	}
	return NewImageSource(frames...), nil
}

func (s *ImageSource) Frame() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil, errors.New("no frames")
	}
	img := s.frames[s.next%len(s.frames)]
	s.next++
	return img, nil
}

func (s *ImageSource) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *ImageSource) SetPaused(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
}

// EncodeFrame scales img to targetWidth keeping its aspect ratio and returns
// the base64 JPEG.
func EncodeFrame(img image.Image, targetWidth, quality int) (string, error) {
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return "", errors.New("empty frame")
	}
	if targetWidth <= 0 {
		targetWidth = b.Dx()
	}
	height := b.Dy() * targetWidth / b.Dx()
	if height < 1 {
		height = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, targetWidth, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
