package worker

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/disintegration/imaging"
)

// ThumbnailSize bounds both axes of every raster thumbnail.
const ThumbnailSize = 512

type ImageProcessor struct {
	maxSize int
}

func NewImageProcessor(maxSize int) *ImageProcessor {
	return &ImageProcessor{maxSize: maxSize}
}

// Dimensions reads the width and height of the image at path without decoding
// the pixels.
func Dimensions(path string) (width, height int, err error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	cfg, _, err := image.DecodeConfig(file)
	if err != nil {
		return 0, 0, fmt.Errorf("decode image: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// FitWithin downscales the image at path so neither side exceeds the
// processor's bound, keeping the aspect ratio. The image is re-saved either way.
func (ip *ImageProcessor) FitWithin(path string) (width, height int, err error) {
	img, err := imaging.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("decode: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > ip.maxSize || bounds.Dy() > ip.maxSize {
		img = imaging.Fit(img, ip.maxSize, ip.maxSize, imaging.Lanczos)
	}

	if err := imaging.Save(img, path); err != nil {
		return 0, 0, fmt.Errorf("save thumbnail: %w", err)
	}
	return img.Bounds().Dx(), img.Bounds().Dy(), nil
}
