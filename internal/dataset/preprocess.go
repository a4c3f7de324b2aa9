package dataset

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Example is one preprocessed sample. Image is CHW at the training
// resolution scaled to [-1,1]; Cond is CHW at the tokenizer resolution
// scaled to [0,1], empty when no conditioning image is requested.
type Example struct {
	Key   string
	Image []float32
	Cond  []float32
	Label int
}

type preprocessor struct {
	imageSize int
	condSize  int
}

func (p preprocessor) process(s Sample, flip bool) (Example, error) {
	img, err := imaging.Decode(bytes.NewReader(s.Image), imaging.AutoOrientation(true))
	if err != nil {
		return Example{}, errors.Wrapf(err, "decode %s", s.Key)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return Example{}, errors.Errorf("decode %s: empty image", s.Key)
	}
	if flip {
		img = imaging.FlipH(img)
	}
	ex := Example{Key: s.Key, Label: s.Label}
	ex.Image = toCHW(centerCrop(img, p.imageSize), 2.0/255, -1)
	if p.condSize > 0 {
		ex.Cond = toCHW(centerCrop(img, p.condSize), 1.0/255, 0)
	}
	return ex, nil
}

// centerCrop resizes img so its short side is size (bicubic) and crops the
// center square.
func centerCrop(img image.Image, size int) *image.NRGBA {
	return imaging.Fill(img, size, size, imaging.Center, imaging.CatmullRom)
}

// toCHW lays out the RGB channels of img as CHW, mapping each 8-bit value v
// to v*scale+offset.
func toCHW(img *image.NRGBA, scale, offset float32) []float32 {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	plane := width * height
	out := make([]float32, 3*plane)
	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < width; x++ {
			px := row[x*4 : x*4+3]
			for c := 0; c < 3; c++ {
				out[c*plane+y*width+x] = float32(px[c])*scale + offset
			}
		}
	}
	return out
}
