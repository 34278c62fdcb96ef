package frame

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/freetype"
	"golang.org/x/image/font"
)

const (
	defaultTrackSize = 800
	trackBorder      = 40
	tickMarkLength   = 5
	pixelsPerLabel   = 120.0
)

var ErrEmptyTrack = errors.New("track has no positions")

// TrackSample is one local position of a recorded flight
type TrackSample struct {
	Timestamp time.Time
	X, Y, Z   float64
}

// Track is a sequence of samples plus its bounds
type Track struct {
	Samples    []TrackSample
	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64
}

func (t *Track) Add(s TrackSample) {
	if len(t.Samples) == 0 {
		t.MinX, t.MaxX = s.X, s.X
		t.MinY, t.MaxY = s.Y, s.Y
		t.MinZ, t.MaxZ = s.Z, s.Z
	} else {
		t.MinX, t.MaxX = math.Min(t.MinX, s.X), math.Max(t.MaxX, s.X)
		t.MinY, t.MaxY = math.Min(t.MinY, s.Y), math.Max(t.MaxY, s.Y)
		t.MinZ, t.MaxZ = math.Min(t.MinZ, s.Z), math.Max(t.MaxZ, s.Z)
	}
	t.Samples = append(t.Samples, s)
}

// RenderTrack draws a top-down view of the track, coloured by altitude from
// blue (lowest) to red (highest), with a meter scale and an info bar.
// size <= 0 selects an 800 px plot area.
func (a *Annotator) RenderTrack(t *Track, size int) (*image.RGBA, error) {
	if len(t.Samples) == 0 {
		return nil, ErrEmptyTrack
	}
	if size <= 0 {
		size = defaultTrackSize
	}

	full := size + trackBorder*2
	img := image.NewRGBA(image.Rect(0, 0, full, full))
	draw.Draw(img, img.Bounds(), image.Black, image.Point{}, draw.Src)

	// square extent so meters are equal on both axes
	span := math.Max(math.Max(t.MaxX-t.MinX, t.MaxY-t.MinY), 1)
	scale := float64(size) / span
	toPx := func(x, y float64) (int, int) {
		return trackBorder + int((x-t.MinX)*scale), trackBorder + size - int((y-t.MinY)*scale)
	}

	a.context.SetClip(img.Bounds())
	a.context.SetDst(img)

	if err := a.drawMeterScale(img, t.MinX, span, size); err != nil {
		return nil, fmt.Errorf("drawing scale: %w", err)
	}

	for i := 1; i < len(t.Samples); i++ {
		prev, cur := t.Samples[i-1], t.Samples[i]
		x0, y0 := toPx(prev.X, prev.Y)
		x1, y1 := toPx(cur.X, cur.Y)
		drawLine(img, x0, y0, x1, y1, altitudeColor(cur.Z, t.MinZ, t.MaxZ))
	}
	if len(t.Samples) == 1 {
		x, y := toPx(t.Samples[0].X, t.Samples[0].Y)
		img.Set(x, y, altitudeColor(t.Samples[0].Z, t.MinZ, t.MaxZ))
	}

	first, last := t.Samples[0], t.Samples[len(t.Samples)-1]
	info := fmt.Sprintf("%s - %s; %d samples; alt %s to %s",
		first.Timestamp.In(a.location).Format(time.DateTime),
		last.Timestamp.In(a.location).Format("15:04:05"),
		len(t.Samples),
		humanize.SIWithDigits(t.MinZ, 1, "m"),
		humanize.SIWithDigits(t.MaxZ, 1, "m"))
	if _, err := a.context.DrawString(info, freetype.Pt(trackBorder, full-trackBorder/3)); err != nil {
		return nil, fmt.Errorf("drawing info bar: %w", err)
	}

	return img, nil
}

func (a *Annotator) drawMeterScale(img *image.RGBA, minX, span float64, size int) error {
	step := niceMeterStep(span, size)
	start := math.Ceil(minX/step) * step

	for m := start; m <= minX+span; m += step {
		x := trackBorder + int((m-minX)*float64(size)/span)
		for y := trackBorder - tickMarkLength; y < trackBorder; y++ {
			img.Set(x, y, color.White)
		}

		label := fmt.Sprintf("%.0f m", m)
		if step < 1 {
			label = fmt.Sprintf("%.1f m", m)
		}
		width := font.MeasureString(a.fontFace, label)
		if _, err := a.context.DrawString(label, freetype.Pt(x-width.Round()/2, trackBorder-tickMarkLength-3)); err != nil {
			return err
		}
	}
	return nil
}

func niceMeterStep(span float64, size int) float64 {
	steps := []float64{0.5, 1, 2, 5, 10, 20, 50, 100, 200, 500, 1000}

	target := span / (float64(size) / pixelsPerLabel)
	for _, step := range steps {
		if step >= target {
			return step
		}
	}
	return span / 2
}

// altitudeColor maps z within [minZ, maxZ] onto a blue to red hue ramp
func altitudeColor(z, minZ, maxZ float64) color.Color {
	normalized := 0.0
	if maxZ > minZ {
		normalized = (z - minZ) / (maxZ - minZ)
	}
	return hsvToRGB(240-normalized*240, 0.9, 1)
}

func hsvToRGB(h, s, v float64) color.RGBA {
	c := v * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - c

	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}

	return color.RGBA{
		R: uint8(math.Round((r + m) * 255)),
		G: uint8(math.Round((g + m) * 255)),
		B: uint8(math.Round((b + m) * 255)),
		A: 0xff,
	}
}

// drawLine is Bresenham's line algorithm
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.Color) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}

	e := dx + dy
	for {
		img.Set(x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
