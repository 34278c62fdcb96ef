package frame

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"strings"
)

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
)

type Format string

// ParseFormat accepts png, jpeg and jpg in any case
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "png", "":
		return FormatPNG, nil
	case "jpeg", "jpg":
		return FormatJPEG, nil
	default:
		return "", fmt.Errorf("invalid image format: %s (allowed: png, jpeg)", s)
	}
}

func Encode(w io.Writer, img image.Image, format Format) error {
	switch format {
	case FormatJPEG:
		return jpeg.Encode(w, img, &jpeg.Options{
			Quality: 95,
		})
	default:
		return png.Encode(w, img)
	}
}

// WriteFile encodes img into a new file at path
func WriteFile(path string, img image.Image, format Format) (err error) {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err = Encode(out, img, format); err != nil {
		return fmt.Errorf("encoding %s: %w", format, err)
	}
	return nil
}
