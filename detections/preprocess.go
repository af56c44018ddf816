package detections

import (
	"image"
	"runtime"
	"sync"
)

// fillCHW writes img into buffer in CHW float32 layout, one channel plane at a
// time, values scaled to [0,1]. buffer must hold 3*w*h floats. Rows are split
// across workers the same way for every call, so output is deterministic.
func fillCHW(img image.Image, buffer []float32, width, height int) {
	channelSize := width * height

	numWorkers := runtime.NumCPU()
	if numWorkers > height {
		numWorkers = height
	}
	rowsPerWorker := height / numWorkers

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		startY := w * rowsPerWorker
		endY := startY + rowsPerWorker
		if w == numWorkers-1 {
			endY = height
		}

		go func(startY, endY int) {
			defer wg.Done()
			for y := startY; y < endY; y++ {
				offset := y * width
				for x := 0; x < width; x++ {
					i := offset + x
					r, g, b, _ := img.At(x, y).RGBA()
					buffer[i] = float32(r>>8) / 255.0
					buffer[channelSize+i] = float32(g>>8) / 255.0
					buffer[channelSize*2+i] = float32(b>>8) / 255.0
				}
			}
		}(startY, endY)
	}

	wg.Wait()
}
