package live

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
)

// Sink displays a rendered frame.
type Sink interface {
	Show(frame image.Image) error
}

// FileSink keeps the latest frame as a JPEG on disk for an external viewer to
// poll. Writes go through a temporary file and a rename so readers never see
// a partial image.
type FileSink struct {
	Path    string
	Quality int
}

func NewFileSink(path string) *FileSink {
	return &FileSink{Path: path, Quality: 85}
}

func (s *FileSink) Show(frame image.Image) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.Path), ".frame-*.jpg")
	if err != nil {
		return fmt.Errorf("create frame file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := jpeg.Encode(tmp, frame, &jpeg.Options{Quality: s.Quality}); err != nil {
		tmp.Close()
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.Path)
}
