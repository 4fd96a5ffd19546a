package detections

import (
	"image"
	"image/color"
	"math"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
)

// letterbox records how a frame was fitted into the square model input so
// boxes can be mapped back to frame coordinates.
type letterbox struct {
	scale      float64
	padX, padY float64
}

func (lb letterbox) toFrame(x, y float32) (float64, float64) {
	return (float64(x) - lb.padX) / lb.scale, (float64(y) - lb.padY) / lb.scale
}

// letterboxImage scales img so its long edge is size, keeping the aspect
// ratio, and centers it on a gray size x size canvas.
func letterboxImage(img image.Image, size int) (*image.NRGBA, letterbox) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	scale := math.Min(float64(size)/float64(w), float64(size)/float64(h))

	nw := max(1, int(math.Round(float64(w)*scale)))
	nh := max(1, int(math.Round(float64(h)*scale)))
	padX := (size - nw) / 2
	padY := (size - nh) / 2

	canvas := imaging.New(size, size, color.NRGBA{R: PadValue, G: PadValue, B: PadValue, A: 255})
	resized := imaging.Resize(img, nw, nh, imaging.Linear)
	canvas = imaging.Paste(canvas, resized, image.Pt(padX, padY))

	return canvas, letterbox{scale: scale, padX: float64(padX), padY: float64(padY)}
}

type channelProcessor struct {
	width, height int
	channelSize   int
	numWorkers    int
}

func newChannelProcessor(width, height int) *channelProcessor {
	return &channelProcessor{
		width:       width,
		height:      height,
		channelSize: width * height,
		numWorkers:  runtime.GOMAXPROCS(0),
	}
}

// processChannels writes img into dst as planar RGB scaled to [0,1], split
// by rows across workers.
func (cp *channelProcessor) processChannels(img *image.NRGBA, dst []float32) {
	workers := min(cp.numWorkers, cp.height)
	rowsPerWorker := cp.height / workers

	var wg sync.WaitGroup
	wg.Add(workers)

	for w := 0; w < workers; w++ {
		startY := w * rowsPerWorker
		endY := startY + rowsPerWorker
		if w == workers-1 {
			endY = cp.height
		}

		go func(startY, endY int) {
			defer wg.Done()
			for y := startY; y < endY; y++ {
				row := img.Pix[y*img.Stride:]
				offset := y * cp.width
				for x := 0; x < cp.width; x++ {
					i := offset + x
					p := row[x*4:]
					dst[i] = float32(p[0]) / 255.0
					dst[cp.channelSize+i] = float32(p[1]) / 255.0
					dst[cp.channelSize*2+i] = float32(p[2]) / 255.0
				}
			}
		}(startY, endY)
	}

	wg.Wait()
}
