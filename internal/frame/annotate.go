package frame

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gomono"

	"github.com/roman-kulish/uavctl/internal/telemetry"
	"github.com/roman-kulish/uavctl/internal/vehicle"
)

const (
	dpi      = 72.0
	fontSize = 12.0
	spacing  = 1.2
	margin   = 4
)

// Annotator draws a telemetry caption over camera frames
type Annotator struct {
	context  *freetype.Context
	fontFace font.Face
	location *time.Location
}

func NewAnnotator() (*Annotator, error) {
	parsedFont, err := freetype.ParseFont(gomono.TTF)
	if err != nil {
		return nil, fmt.Errorf("parsing font: %w", err)
	}

	ctx := freetype.NewContext()
	ctx.SetDPI(dpi)
	ctx.SetFont(parsedFont)
	ctx.SetFontSize(fontSize)
	ctx.SetHinting(font.HintingFull)
	ctx.SetSrc(image.White)

	return &Annotator{
		context: ctx,
		fontFace: truetype.NewFace(parsedFont, &truetype.Options{
			Size:    fontSize,
			DPI:     dpi,
			Hinting: font.HintingFull,
		}),
		location: time.Local,
	}, nil
}

func (a *Annotator) Close() error {
	if a.fontFace != nil {
		return a.fontFace.Close()
	}
	return nil
}

// Annotate draws the caption lines for f and s into the bottom left corner
// of img, over a dark band so the text stays readable on bright scenes.
func (a *Annotator) Annotate(img *image.RGBA, f *vehicle.Frame, s telemetry.State) error {
	return a.drawLines(img, a.caption(f, s))
}

func (a *Annotator) drawLines(img *image.RGBA, lines []string) error {
	a.context.SetClip(img.Bounds())
	a.context.SetDst(img)

	metrics := a.fontFace.Metrics()
	lineHeight := a.context.PointToFixed(fontSize * spacing)
	bandHeight := lineHeight.Ceil()*len(lines) + margin*2

	bounds := img.Bounds()
	band := image.Rect(bounds.Min.X, bounds.Max.Y-bandHeight, bounds.Max.X, bounds.Max.Y)
	draw.Draw(img, band, image.NewUniform(color.RGBA{A: 0xa0}), image.Point{}, draw.Over)

	pt := freetype.Pt(bounds.Min.X+margin, band.Min.Y+margin+metrics.Ascent.Ceil())
	for _, line := range lines {
		if _, err := a.context.DrawString(line, pt); err != nil {
			return fmt.Errorf("drawing caption: %w", err)
		}
		pt.Y += lineHeight
	}

	return nil
}

func (a *Annotator) caption(f *vehicle.Frame, s telemetry.State) []string {
	lines := []string{
		fmt.Sprintf("camera %d %s %dx%d, %s",
			f.Camera, f.Kind, f.Width, f.Height, humanize.Bytes(frameSize(f))),
		"captured " + f.Timestamp.In(a.location).Format(time.DateTime+".000"),
	}

	if s.Has(telemetry.FieldStatus) {
		armed := "disarmed"
		if s.Status.Armed {
			armed = "armed"
		}
		lines = append(lines, fmt.Sprintf("mode %s, %s, %s", s.Status.FlightMode, armed, s.Status.Connection))
	}
	if s.Has(telemetry.FieldPose) {
		p := s.Pose.Position
		lines = append(lines, fmt.Sprintf("pos %.2f %.2f %.2f m, yaw %.0f°",
			p.X, p.Y, p.Z, s.Pose.Orientation.Yaw()*180/math.Pi))
	}
	if s.Has(telemetry.FieldGPS) {
		lines = append(lines, fmt.Sprintf("gps %.6f %.6f, %s",
			s.GPS.Latitude, s.GPS.Longitude, humanize.SIWithDigits(s.GPS.Altitude, 1, "m")))
	}

	return lines
}

func frameSize(f *vehicle.Frame) uint64 {
	return uint64(len(f.Pixels) + len(f.Depth)*4)
}
