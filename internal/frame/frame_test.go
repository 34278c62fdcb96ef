package frame

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/uavctl/internal/telemetry"
	"github.com/roman-kulish/uavctl/internal/vehicle"
)

func sceneFrame(w, h int) *vehicle.Frame {
	pixels := make([]byte, w*h*3)
	for i := 0; i < w*h; i++ {
		pixels[i*3] = 0xff // red
	}
	return &vehicle.Frame{
		Camera:    0,
		Kind:      vehicle.ImageScene,
		Width:     w,
		Height:    h,
		Pixels:    pixels,
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestToImage_Scene(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	img, err := ToImage(sceneFrame(4, 2), 0)

	r.NoError(err)
	a.Equal(image.Rect(0, 0, 4, 2), img.Bounds())
	a.Equal(color.RGBA{R: 0xff, A: 0xff}, img.RGBAAt(3, 1))
}

func TestToImage_Depth(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	f := &vehicle.Frame{
		Kind:   vehicle.ImageDepth,
		Width:  4,
		Height: 1,
		Depth:  []float32{0, 5, 10, float32(math.Inf(1))},
	}

	img, err := ToImage(f, 10)

	r.NoError(err)
	a.Equal(uint8(0xff), img.RGBAAt(0, 0).R, "touching is white")
	a.InDelta(128, int(img.RGBAAt(1, 0).R), 1)
	a.Equal(uint8(0), img.RGBAAt(2, 0).R, "max depth is black")
	a.Equal(uint8(0), img.RGBAAt(3, 0).R, "no return is black")
}

func TestToImage_Invalid(t *testing.T) {
	a := assert.New(t)

	_, err := ToImage(nil, 0)
	a.ErrorIs(err, ErrEmptyFrame)

	short := sceneFrame(4, 2)
	short.Pixels = short.Pixels[:10]
	_, err = ToImage(short, 0)
	a.Error(err)

	_, err = ToImage(&vehicle.Frame{Kind: vehicle.ImageDepth, Width: 2, Height: 2}, 0)
	a.Error(err)
}

func TestAnnotator_Annotate(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	// given
	ann, err := NewAnnotator()
	r.NoError(err)
	defer ann.Close()

	f := sceneFrame(320, 240)
	img, err := ToImage(f, 0)
	r.NoError(err)

	state := telemetry.State{
		Status:    telemetry.VehicleStatus{Connection: telemetry.ConnectionConnected, FlightMode: "OFFBOARD", Armed: true},
		Pose:      telemetry.Pose{Position: telemetry.Vector3{X: 1, Y: 2, Z: 3}, Orientation: telemetry.Quaternion{W: 1}},
		Populated: telemetry.FieldStatus | telemetry.FieldPose,
	}

	// when
	r.NoError(ann.Annotate(img, f, state))

	// then
	a.Equal(color.RGBA{R: 0xff, A: 0xff}, img.RGBAAt(0, 0), "top is untouched")
	a.NotEqual(color.RGBA{R: 0xff, A: 0xff}, img.RGBAAt(0, 239), "bottom band is darkened")

	lines := ann.caption(f, state)
	a.Len(lines, 4)
	a.Contains(lines[0], "camera 0 scene 320x240")
	a.Contains(lines[2], "mode OFFBOARD, armed, connected")
	a.Contains(lines[3], "pos 1.00 2.00 3.00 m")
}

func TestAnnotator_RenderTrack(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	ann, err := NewAnnotator()
	r.NoError(err)
	defer ann.Close()

	_, err = ann.RenderTrack(&Track{}, 100)
	a.ErrorIs(err, ErrEmptyTrack)

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var track Track
	for i := 0; i <= 10; i++ {
		track.Add(TrackSample{
			Timestamp: start.Add(time.Duration(i) * time.Second),
			X:         float64(i),
			Y:         float64(i) / 2,
			Z:         float64(i) * 0.3,
		})
	}
	a.Equal(0.0, track.MinX)
	a.Equal(10.0, track.MaxX)
	a.InDelta(3.0, track.MaxZ, 1e-9)

	img, err := ann.RenderTrack(&track, 200)
	r.NoError(err)
	a.Equal(image.Rect(0, 0, 280, 280), img.Bounds())

	// the first sample sits at the bottom left of the plot area, in blue
	a.Equal(altitudeColor(0.3, 0, 3), color.Color(img.RGBAAt(trackBorder, trackBorder+200)))
}

func TestAltitudeColor(t *testing.T) {
	a := assert.New(t)

	a.Equal(color.RGBA{R: 26, G: 26, B: 255, A: 255}, altitudeColor(0, 0, 10))
	a.Equal(color.RGBA{R: 255, G: 26, B: 26, A: 255}, altitudeColor(10, 0, 10))
	a.Equal(altitudeColor(0, 0, 10), altitudeColor(5, 5, 5), "flat track is all low")
}

func TestEncode(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	img, err := ToImage(sceneFrame(8, 8), 0)
	r.NoError(err)

	var buf bytes.Buffer
	r.NoError(Encode(&buf, img, FormatPNG))
	decoded, err := png.Decode(&buf)
	r.NoError(err)
	a.Equal(img.Bounds(), decoded.Bounds())

	path := filepath.Join(t.TempDir(), "frame.jpeg")
	r.NoError(WriteFile(path, img, FormatJPEG))
	data, err := os.ReadFile(path)
	r.NoError(err)
	a.Equal([]byte{0xff, 0xd8}, data[:2])
}

func TestParseFormat(t *testing.T) {
	a := assert.New(t)

	f, err := ParseFormat("JPG")
	a.NoError(err)
	a.Equal(FormatJPEG, f)

	f, err = ParseFormat("")
	a.NoError(err)
	a.Equal(FormatPNG, f)

	_, err = ParseFormat("gif")
	a.Error(err)
}
