package visualize

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spinevision/vertebrae-segmentation-service/models"
	"github.com/spinevision/vertebrae-segmentation-service/postprocess"
)

func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 40, G: 40, B: 40, A: 255})
		}
	}
	return img
}

func testDetection(t *testing.T, w, h int) models.Detection {
	t.Helper()
	mask := make([]uint8, w*h)
	for y := 20; y < 40; y++ {
		for x := 20; x < 40; x++ {
			mask[y*w+x] = 1
		}
	}
	rle, err := postprocess.EncodeRLE(mask, h, w)
	require.NoError(t, err)

	return models.Detection{
		BBox:      models.BoundingBox{X1: 18, Y1: 18, X2: 42, Y2: 42},
		Mask:      rle,
		Score:     0.93,
		ClassName: "T5",
		ClassID:   4,
	}
}

func TestRender_DoesNotMutateInput(t *testing.T) {
	img := testImage(64, 64)
	before := make([]uint8, len(img.Pix))
	copy(before, img.Pix)

	_, err := Render(img, []models.Detection{testDetection(t, 64, 64)})
	require.NoError(t, err)

	assert.Equal(t, before, img.Pix)
}

func TestRender_Deterministic(t *testing.T) {
	img := testImage(64, 64)
	dets := []models.Detection{testDetection(t, 64, 64)}

	first, err := Render(img, dets)
	require.NoError(t, err)
	second, err := Render(img, dets)
	require.NoError(t, err)

	assert.Equal(t, first.Pix, second.Pix)
}

func TestRender_PaintsMaskAndBox(t *testing.T) {
	img := testImage(64, 64)
	out, err := Render(img, []models.Detection{testDetection(t, 64, 64)})
	require.NoError(t, err)

	background := color.RGBA{R: 40, G: 40, B: 40, A: 255}
	assert.NotEqual(t, background, out.RGBAAt(30, 30), "mask interior must be tinted")
	assert.NotEqual(t, background, out.RGBAAt(18, 30), "box edge must be drawn")
	assert.Equal(t, background, out.RGBAAt(60, 60), "pixels outside detections stay untouched")
}

func TestRender_EmptyDetections(t *testing.T) {
	img := testImage(32, 32)
	out, err := Render(img, nil)
	require.NoError(t, err)
	assert.Equal(t, img.Pix, out.Pix)
}

func TestEncodePNG(t *testing.T) {
	data, err := EncodePNG(testImage(16, 16))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, data[:4])
}

func TestClassColorStable(t *testing.T) {
	assert.Equal(t, classColor(3), classColor(3))
	assert.NotEqual(t, classColor(3), classColor(4))
}
