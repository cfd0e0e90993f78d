// Package canvas is a headless drawing surface. Strokes are rasterized the
// way the browser canvas draws them and captured as a 28x28 grayscale image
// ready for the classifier.
package canvas

import (
	"image"
	"image/color"

	"github.com/golang/freetype/raster"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/fixed"
)

const (
	Size        = 400
	LineWidth   = 20
	CaptureSize = 28
)

// Ink is the stroke color; the background is black.
var Ink = color.Gray{Y: 128}

// Point is a position on the canvas in pixels.
type Point struct {
	X, Y float64
}

// Canvas records strokes. The zero value is not usable; call New.
type Canvas struct {
	width, height int
	strokes       [][]Point
}

// New returns an empty Size x Size canvas.
func New() *Canvas { return NewSize(Size, Size) }

// NewSize returns an empty canvas of the given dimensions.
func NewSize(width, height int) *Canvas {
	return &Canvas{width: width, height: height}
}

// Stroke adds a polyline. A single point is drawn as a dot.
func (c *Canvas) Stroke(points ...Point) {
	if len(points) == 0 {
		return
	}
	c.strokes = append(c.strokes, append([]Point(nil), points...))
}

// Clear removes every stroke.
func (c *Canvas) Clear() { c.strokes = nil }

// Empty reports whether nothing has been drawn.
func (c *Canvas) Empty() bool { return len(c.strokes) == 0 }

// Render rasterizes the strokes at full size with round caps and joins.
func (c *Canvas) Render() *image.Gray {
	bounds := image.Rect(0, 0, c.width, c.height)
	dst := image.NewGray(bounds)
	if c.Empty() {
		return dst
	}

	r := raster.NewRasterizer(c.width, c.height)
	r.UseNonZeroWinding = true
	for _, s := range c.strokes {
		var path raster.Path
		if len(s) == 1 {
			path.Start(fix(Point{X: s[0].X - 1, Y: s[0].Y}))
			path.Add1(fix(s[0]))
		} else {
			path.Start(fix(s[0]))
			for _, p := range s[1:] {
				path.Add1(fix(p))
			}
		}
		raster.Stroke(r, path, fixed.I(LineWidth), raster.RoundCapper, raster.RoundJoiner)
	}

	mask := image.NewAlpha(bounds)
	r.Rasterize(raster.NewAlphaOverPainter(mask))
	draw.DrawMask(dst, bounds, image.NewUniform(Ink), image.Point{}, mask, image.Point{}, draw.Over)
	return dst
}

// Capture renders the canvas and scales it down to CaptureSize.
func (c *Canvas) Capture() *image.Gray { return FromImage(c.Render()) }

// FromImage scales any image to CaptureSize x CaptureSize grayscale.
func FromImage(img image.Image) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, CaptureSize, CaptureSize))
	src := img.Bounds()
	if src.Dx() == CaptureSize && src.Dy() == CaptureSize {
		draw.Draw(dst, dst.Bounds(), img, src.Min, draw.Src)
		return dst
	}
	draw.BiLinear.Scale(dst, dst.Bounds(), img, src, draw.Src, nil)
	return dst
}

func fix(p Point) fixed.Point26_6 {
	return fixed.Point26_6{X: fixed.Int26_6(p.X * 64), Y: fixed.Int26_6(p.Y * 64)}
}
