package transport

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

func solidImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 50, B: 50, A: 255})
		}
	}
	return img
}

func TestDownsampleCapsLongestDimension(t *testing.T) {
	src := solidImage(1024, 512)
	out, err := Downsample(src)
	if err != nil {
		t.Fatal(err)
	}
	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	b := img.Bounds()
	if b.Dx() > ThumbnailMaxDim || b.Dy() > ThumbnailMaxDim {
		t.Fatalf("thumbnail dims %dx%d exceed max dim %d", b.Dx(), b.Dy(), ThumbnailMaxDim)
	}
	if b.Dx() != ThumbnailMaxDim {
		t.Fatalf("longest side = %d, want %d", b.Dx(), ThumbnailMaxDim)
	}
}

func TestDownsampleLeavesSmallImageUnscaled(t *testing.T) {
	src := solidImage(64, 32)
	out, err := Downsample(src)
	if err != nil {
		t.Fatal(err)
	}
	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	b := img.Bounds()
	if b.Dx() != 64 || b.Dy() != 32 {
		t.Fatalf("dims = %dx%d, want 64x32 (no upscale)", b.Dx(), b.Dy())
	}
}

func TestDownsampleRejectsEmptyImage(t *testing.T) {
	empty := image.NewNRGBA(image.Rect(0, 0, 0, 0))
	if _, err := Downsample(empty); err == nil {
		t.Fatal("expected error for empty image")
	}
}
