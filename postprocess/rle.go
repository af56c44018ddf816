package postprocess

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spinevision/vertebrae-segmentation-service/models"
)

// EncodeRLE run-length encodes a binary mask over its row-major bit layout.
// Counts alternate zero-run, one-run, zero-run, ... and always start with the
// zero run (possibly "0" when the mask begins with a set pixel).
func EncodeRLE(mask []uint8, h, w int) (models.MaskRLE, error) {
	if len(mask) != h*w {
		return models.MaskRLE{}, fmt.Errorf("mask has %d pixels, want %dx%d=%d", len(mask), h, w, h*w)
	}

	var counts []string
	current := uint8(0)
	run := 0
	for _, v := range mask {
		bit := uint8(0)
		if v != 0 {
			bit = 1
		}
		if bit == current {
			run++
			continue
		}
		counts = append(counts, strconv.Itoa(run))
		current = bit
		run = 1
	}
	counts = append(counts, strconv.Itoa(run))

	return models.MaskRLE{
		Size:   [2]int{h, w},
		Counts: strings.Join(counts, " "),
	}, nil
}

// DecodeRLE expands an RLE mask back to its row-major binary form.
func DecodeRLE(rle models.MaskRLE) ([]uint8, error) {
	h, w := rle.Size[0], rle.Size[1]
	total := h * w
	mask := make([]uint8, 0, total)

	current := uint8(0)
	for _, field := range strings.Fields(rle.Counts) {
		run, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("malformed RLE count %q: %w", field, err)
		}
		if run < 0 {
			return nil, fmt.Errorf("negative RLE count %d", run)
		}
		for i := 0; i < run; i++ {
			mask = append(mask, current)
		}
		current = 1 - current
	}

	if len(mask) != total {
		return nil, fmt.Errorf("RLE decodes to %d pixels, want %dx%d=%d", len(mask), h, w, total)
	}
	return mask, nil
}
