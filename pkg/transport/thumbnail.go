package transport

import (
	"bytes"
	"image"
	"image/draw"
	"image/jpeg"

	"github.com/pkg/errors"
)

// Downsample implements §4.4's ThumbnailRequest reply: a JPEG no larger
// than ThumbnailMaxDim on its longest side, quality ThumbnailQuality. It is
// built on the standard library's image/draw and image/jpeg packages:
// nothing in this repository's dependency set does resizing more directly
// and a fixed-ratio nearest-neighbor scale is all a 256px preview needs
// (see DESIGN.md).
func Downsample(img image.Image) ([]byte, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, errors.New("empty image")
	}
	scale := 1.0
	if w > h && w > ThumbnailMaxDim {
		scale = float64(ThumbnailMaxDim) / float64(w)
	} else if h >= w && h > ThumbnailMaxDim {
		scale = float64(ThumbnailMaxDim) / float64(h)
	}
	dstW, dstH := w, h
	if scale < 1.0 {
		dstW = int(float64(w) * scale)
		dstH = int(float64(h) * scale)
		if dstW < 1 {
			dstW = 1
		}
		if dstH < 1 {
			dstH = 1
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	for y := 0; y < dstH; y++ {
		srcY := b.Min.Y + y*h/dstH
		for x := 0; x < dstW; x++ {
			srcX := b.Min.X + x*w/dstW
			dst.Set(x, y, img.At(srcX, srcY))
		}
	}

	// image/jpeg requires an opaque source for predictable output; draw
	// over a white background so a transparent PNG carrier never produces
	// a jpeg with stray alpha artifacts.
	opaque := image.NewRGBA(dst.Bounds())
	draw.Draw(opaque, opaque.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(opaque, opaque.Bounds(), dst, image.Point{}, draw.Over)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, opaque, &jpeg.Options{Quality: ThumbnailQuality}); err != nil {
		return nil, errors.Wrap(err, "cannot encode thumbnail")
	}
	return buf.Bytes(), nil
}
