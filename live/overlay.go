package live

import (
	"fmt"
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/Tutortoise/equipment-scanner/models"
)

const (
	boxLineWidth  = 2
	labelFontSize = 20
	labelPadding  = 4
)

var boxColor = color.RGBA{G: 255, A: 255}

var labelFont *truetype.Font

func init() {
	var err error
	labelFont, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Caption is the text drawn above a detection box.
func Caption(d models.DetectionRecord) string {
	return fmt.Sprintf("%s %.2f", d.Label, d.Confidence)
}

// Annotate returns a copy of frame with a box and caption for each detection.
func Annotate(frame image.Image, detections []models.DetectionRecord) image.Image {
	dc := gg.NewContextForImage(frame)
	if len(detections) == 0 {
		return dc.Image()
	}

	face := truetype.NewFace(labelFont, &truetype.Options{Size: labelFontSize, Hinting: font.HintingFull})
	defer face.Close()
	dc.SetFontFace(face)

	origin := frame.Bounds().Min
	for _, d := range detections {
		x1 := d.BBox.X1 - float64(origin.X)
		y1 := d.BBox.Y1 - float64(origin.Y)
		w := d.BBox.X2 - d.BBox.X1
		h := d.BBox.Y2 - d.BBox.Y1

		dc.SetColor(boxColor)
		dc.SetLineWidth(boxLineWidth)
		dc.DrawRectangle(x1, y1, w, h)
		dc.Stroke()

		caption := Caption(d)
		tw, th := dc.MeasureString(caption)
		ty := y1 - th - 2*labelPadding
		if ty < 0 {
			ty = y1
		}
		dc.DrawRectangle(x1, ty, tw+2*labelPadding, th+2*labelPadding)
		dc.Fill()

		dc.SetColor(color.Black)
		dc.DrawStringAnchored(caption, x1+labelPadding, ty+labelPadding, 0, 1)
	}
	return dc.Image()
}
