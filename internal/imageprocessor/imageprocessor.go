// Package imageprocessor turns raw image bytes into the normalized input
// tensor expected by the ResNet-50 feature extractor.
package imageprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	InputWidth  = 224
	InputHeight = 224
	Channels    = 3

	channelSize = InputWidth * InputHeight
)

// MaxPixels bounds width*height of an accepted image. Headers are checked
// before any pixel data is decoded.
const MaxPixels = 40_000_000

// ErrInvalidImage is returned when bytes cannot be decoded as an image.
var ErrInvalidImage = errors.New("invalid image")

var (
	// Mean and Std are the ImageNet statistics the extractor was trained on,
	// in R, G, B order.
	Mean = [Channels]float32{0.485, 0.456, 0.406}
	Std  = [Channels]float32{0.229, 0.224, 0.225}
)

// Image is a decoded upload together with the format image.Decode inferred.
type Image struct {
	Pixels image.Image
	Format string
}

// Tensor is a single-image batch in NCHW layout.
type Tensor struct {
	data []float32
}

// Shape returns the fixed (1, 3, 224, 224) shape.
func (t *Tensor) Shape() [4]int64 {
	return [4]int64{1, Channels, InputHeight, InputWidth}
}

// Data exposes the backing slice. Callers must not retain it past the request.
func (t *Tensor) Data() []float32 {
	return t.data
}

// Decode interprets data as an image. Empty input and images larger than
// MaxPixels are rejected up front.
func Decode(data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("%w: %s image is %dx%d, exceeds %d pixels", ErrInvalidImage, format, cfg.Width, cfg.Height, MaxPixels)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, fmt.Errorf("%w: zero-sized %s image", ErrInvalidImage, format)
	}
	return &Image{Pixels: img, Format: format}, nil
}

// Preprocess decodes data and produces the normalized input tensor.
func Preprocess(data []byte) (*Tensor, error) {
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return FromImage(img.Pixels), nil
}

// FromImage converts img to opaque RGB, resizes it to 224x224 with bilinear
// filtering and normalizes it. Alpha is discarded before resizing, so
// transparent pixels keep their stored color.
func FromImage(img image.Image) *Tensor {
	resized := imaging.Resize(toOpaque(img), InputWidth, InputHeight, imaging.Linear)

	data := make([]float32, Channels*channelSize)
	fillNormalized(data, resized)
	return &Tensor{data: data}
}

// toOpaque copies img into an NRGBA with every alpha forced to 255.
func toOpaque(img image.Image) *image.NRGBA {
	bounds := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))

	if src, ok := img.(*image.NRGBA); ok {
		for y := 0; y < bounds.Dy(); y++ {
			start := src.PixOffset(bounds.Min.X, bounds.Min.Y+y)
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+bounds.Dx()*4], src.Pix[start:start+bounds.Dx()*4])
		}
	} else {
		for y := 0; y < bounds.Dy(); y++ {
			for x := 0; x < bounds.Dx(); x++ {
				c := color.NRGBAModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
				dst.SetNRGBA(x, y, c)
			}
		}
	}

	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 255
	}
	return dst
}

func fillNormalized(buffer []float32, pic *image.NRGBA) {
	for y := 0; y < InputHeight; y++ {
		row := pic.Pix[y*pic.Stride:]
		offset := y * InputWidth
		for x := 0; x < InputWidth; x++ {
			i := offset + x
			px := row[x*4 : x*4+3]
			for c := 0; c < Channels; c++ {
				v := float32(px[c]) / 255.0
				buffer[c*channelSize+i] = (v - Mean[c]) / Std[c]
			}
		}
	}
}

// Finite reports whether every element of the tensor is a finite number.
func (t *Tensor) Finite() bool {
	for _, v := range t.data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
