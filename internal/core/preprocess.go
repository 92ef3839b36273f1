package core

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
)

// DecodeImage decodes any of the supported formats from r.
func DecodeImage(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("unable to decode image: %w", err)
	}
	return img, nil
}

// ValidateImage checks that r holds a decodable image header without
// decoding the full pixel data.
func ValidateImage(r io.Reader) error {
	if _, _, err := image.DecodeConfig(r); err != nil {
		return fmt.Errorf("not a valid image: %w", err)
	}
	return nil
}

// ImageToTensor resizes img to size x size and converts it into a
// normalized NCHW float32 tensor (batch of one, channels first, pixel
// values scaled to [0, 1]).
func ImageToTensor(img image.Image, size int) []float32 {
	resized := resize.Resize(uint(size), uint(size), img, resize.Lanczos3)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	data := make([]float32, 3*width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			idx := y*width + x
			data[idx] = float32(r) / 65535.0
			data[width*height+idx] = float32(g) / 65535.0
			data[2*width*height+idx] = float32(b) / 65535.0
		}
	}

	return data
}
