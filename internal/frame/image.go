// Package frame turns camera frames and recorded tracks into annotated images.
package frame

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/roman-kulish/uavctl/internal/vehicle"
)

// DefaultMaxDepth is the distance, in meters, rendered as black in depth frames
const DefaultMaxDepth = 100.0

var ErrEmptyFrame = errors.New("empty frame")

// ToImage converts a camera frame to an RGBA image. Scene frames are copied
// pixel by pixel; depth frames become grayscale, near objects bright and
// anything at or beyond maxDepth black. maxDepth <= 0 selects DefaultMaxDepth.
func ToImage(f *vehicle.Frame, maxDepth float64) (*image.RGBA, error) {
	if f == nil || f.Width <= 0 || f.Height <= 0 {
		return nil, ErrEmptyFrame
	}

	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	pixels := f.Width * f.Height

	switch f.Kind {
	case vehicle.ImageDepth:
		if len(f.Depth) < pixels {
			return nil, fmt.Errorf("depth frame %dx%d: got %d values", f.Width, f.Height, len(f.Depth))
		}
		if maxDepth <= 0 {
			maxDepth = DefaultMaxDepth
		}
		for i := 0; i < pixels; i++ {
			img.Set(i%f.Width, i/f.Width, depthColor(float64(f.Depth[i]), maxDepth))
		}

	default:
		if len(f.Pixels) < pixels*3 {
			return nil, fmt.Errorf("scene frame %dx%d: got %d bytes", f.Width, f.Height, len(f.Pixels))
		}
		for i := 0; i < pixels; i++ {
			p := f.Pixels[i*3 : i*3+3]
			off := i * 4
			img.Pix[off] = p[0]
			img.Pix[off+1] = p[1]
			img.Pix[off+2] = p[2]
			img.Pix[off+3] = 0xff
		}
	}

	return img, nil
}

func depthColor(d, maxDepth float64) color.Color {
	if math.IsNaN(d) || math.IsInf(d, 0) || d < 0 {
		return color.Black
	}

	normalized := math.Min(d, maxDepth) / maxDepth
	return color.Gray{Y: uint8(math.Round((1 - normalized) * 255))}
}
