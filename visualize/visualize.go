// Package visualize renders annotated copies of input images from canonical
// detection records.
package visualize

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/spinevision/vertebrae-segmentation-service/models"
	"github.com/spinevision/vertebrae-segmentation-service/postprocess"
)

const (
	boxThickness = 2
	// maskOpacity is the overlay weight; the underlying image keeps the rest.
	maskOpacity = 0.3
)

// palette assigns each class a stable color, keyed by class_id so renders are
// reproducible across runs and processes.
var palette = []color.RGBA{
	{230, 25, 75, 255}, {60, 180, 75, 255}, {255, 225, 25, 255},
	{0, 130, 200, 255}, {245, 130, 48, 255}, {145, 30, 180, 255},
	{70, 240, 240, 255}, {240, 50, 230, 255}, {210, 245, 60, 255},
	{250, 190, 212, 255}, {0, 128, 128, 255}, {220, 190, 255, 255},
	{170, 110, 40, 255}, {255, 250, 200, 255}, {128, 0, 0, 255},
	{170, 255, 195, 255}, {128, 128, 0, 255},
}

func classColor(classID int) color.RGBA {
	if classID < 0 {
		classID = 0
	}
	return palette[classID%len(palette)]
}

// Render draws boxes, mask overlays, and class/score labels onto a copy of
// img. The input image is never mutated and output is deterministic for
// identical input.
func Render(img image.Image, detections []models.Detection) (*image.RGBA, error) {
	bounds := img.Bounds()
	out := image.NewRGBA(bounds)
	draw.Draw(out, bounds, img, bounds.Min, draw.Src)

	for _, det := range detections {
		c := classColor(det.ClassID)

		if err := overlayMask(out, det.Mask, c); err != nil {
			return nil, fmt.Errorf("detection %s: %w", det.ClassName, err)
		}
		drawBox(out, det.BBox, c)
		drawLabel(out, det, c)
	}

	return out, nil
}

// EncodePNG serializes a rendered image for the HTTP layer.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func overlayMask(dst *image.RGBA, rle models.MaskRLE, c color.RGBA) error {
	mask, err := postprocess.DecodeRLE(rle)
	if err != nil {
		return err
	}

	h, w := rle.Size[0], rle.Size[1]
	minX := dst.Bounds().Min.X
	minY := dst.Bounds().Min.Y
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if mask[y*w+x] == 0 {
				continue
			}
			px := dst.RGBAAt(minX+x, minY+y)
			dst.SetRGBA(minX+x, minY+y, blend(px, c))
		}
	}
	return nil
}

func blend(base, overlay color.RGBA) color.RGBA {
	mix := func(b, o uint8) uint8 {
		return uint8(float64(b)*(1-maskOpacity) + float64(o)*maskOpacity)
	}
	return color.RGBA{
		R: mix(base.R, overlay.R),
		G: mix(base.G, overlay.G),
		B: mix(base.B, overlay.B),
		A: 255,
	}
}

func drawBox(dst *image.RGBA, box models.BoundingBox, c color.RGBA) {
	x1, y1 := int(box.X1), int(box.Y1)
	x2, y2 := int(box.X2), int(box.Y2)

	for t := 0; t < boxThickness; t++ {
		for x := x1; x <= x2; x++ {
			dst.SetRGBA(x, y1+t, c)
			dst.SetRGBA(x, y2-t, c)
		}
		for y := y1; y <= y2; y++ {
			dst.SetRGBA(x1+t, y, c)
			dst.SetRGBA(x2-t, y, c)
		}
	}
}

func drawLabel(dst *image.RGBA, det models.Detection, c color.RGBA) {
	label := fmt.Sprintf("%s: %.2f", det.ClassName, det.Score)
	face := basicfont.Face7x13

	textW := font.MeasureString(face, label).Ceil()
	textH := face.Metrics().Height.Ceil()

	x := int(det.BBox.X1)
	y := int(det.BBox.Y1) - 4
	if y-textH < dst.Bounds().Min.Y {
		y = int(det.BBox.Y1) + textH + 4
	}

	bg := image.Rect(x, y-textH, x+textW+4, y+2)
	draw.Draw(dst, bg.Intersect(dst.Bounds()), &image.Uniform{C: c}, image.Point{}, draw.Src)

	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot:  fixed.P(x+2, y-2),
	}
	d.DrawString(label)
}
