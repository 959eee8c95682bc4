package codec

import (
	"image"
	"image/draw"
)

// channelsPerPixel is RGB only; alpha is never touched (§4.3 Pixel
// iteration order).
const channelsPerPixel = 3

// toNRGBA converts any decoded image into a packed *image.NRGBA so pixel
// bytes can be indexed directly via PixOffset, regardless of the source
// PNG's color model (paletted, grayscale, RGBA, etc).
func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok {
		return n
	}
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// channelOffset maps a zero-based position in the RGB channel stream
// (row-major pixels, R then G then B, alpha skipped) to an index into
// Pix, per §4.3 Pixel iteration order.
func channelOffset(nrgba *image.NRGBA, width, streamIdx int) int {
	pixelIdx := streamIdx / channelsPerPixel
	channel := streamIdx % channelsPerPixel
	x := pixelIdx % width
	y := pixelIdx / width
	return nrgba.PixOffset(x, y) + channel
}

func setLSB(b byte, bit byte) byte {
	return (b &^ 1) | (bit & 1)
}

// Embed writes rec into img's pixel LSBs and returns the resulting image.
// Fails with ErrCarrierTooSmall if the carrier cannot hold the framed
// record (§4.3 Embedding procedure).
func Embed(img image.Image, rec PermissionRecord) (*image.NRGBA, error) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	payload := frame(rec)
	bitLen := len(payload) * 8
	capacity := width * height * channelsPerPixel
	if bitLen > capacity {
		return nil, ErrCarrierTooSmall
	}

	out := toNRGBA(img)
	if out == img {
		// Never mutate the caller's image in place.
		cp := image.NewNRGBA(out.Bounds())
		copy(cp.Pix, out.Pix)
		out = cp
	}

	for bitIdx := 0; bitIdx < bitLen; bitIdx++ {
		byteIdx := bitIdx / 8
		bitInByte := uint(bitIdx % 8)
		bit := (payload[byteIdx] >> bitInByte) & 1
		off := channelOffset(out, width, bitIdx)
		out.Pix[off] = setLSB(out.Pix[off], bit)
	}
	return out, nil
}

// Extract reads and validates the permission record embedded in img
// (§4.3 Extraction).
func Extract(img image.Image) (PermissionRecord, error) {
	nrgba := toNRGBA(img)
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	capacity := width * height * channelsPerPixel

	// Header is magic(4) + length(4) = 8 bytes = 64 bits.
	const headerBits = 8 * 8
	if capacity < headerBits {
		return PermissionRecord{}, ErrNotEncrypted
	}
	header := readBits(nrgba, width, 0, headerBits)

	var magic [4]byte
	copy(magic[:], header[:4])
	if magic != Magic {
		return PermissionRecord{}, ErrNotEncrypted
	}
	n := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
	if n < 0 || n > MaxRecordBytes {
		return PermissionRecord{}, ErrCorrupt
	}

	totalBytes := 8 + n + 4
	totalBits := totalBytes * 8
	if totalBits > capacity {
		return PermissionRecord{}, ErrCorrupt
	}
	data := readBits(nrgba, width, 0, totalBits)
	return parseFrame(data)
}

// readBits extracts nBits starting at fromBitIdx in the channel stream,
// LSB-first within each output byte, into a packed byte slice.
func readBits(nrgba *image.NRGBA, width, fromBitIdx, nBits int) []byte {
	out := make([]byte, (nBits+7)/8)
	for i := 0; i < nBits; i++ {
		off := channelOffset(nrgba, width, fromBitIdx+i)
		bit := nrgba.Pix[off] & 1
		out[i/8] |= bit << uint(i%8)
	}
	return out
}

// DecrementView implements §4.3's view-decrement step: AccessDenied if the
// quota is already exhausted, otherwise decrements and re-embeds.
func DecrementView(img image.Image) (*image.NRGBA, PermissionRecord, error) {
	rec, err := Extract(img)
	if err != nil {
		return nil, PermissionRecord{}, err
	}
	if rec.QuotaRemaining == 0 {
		return nil, rec, ErrAccessDenied
	}
	rec.QuotaRemaining--
	out, err := Embed(img, rec)
	return out, rec, err
}

// UpdateQuota implements §4.3's quota-update step: the new issued_at must
// strictly exceed the stored one, per §9's recommended resolution of the
// open question on stale updates.
func UpdateQuota(img image.Image, newQuota uint32, issuedAt uint64) (*image.NRGBA, PermissionRecord, error) {
	rec, err := Extract(img)
	if err != nil {
		return nil, PermissionRecord{}, err
	}
	if issuedAt <= rec.IssuedAt {
		return nil, rec, ErrStaleUpdate
	}
	rec.QuotaRemaining = newQuota
	rec.IssuedAt = issuedAt
	out, err := Embed(img, rec)
	return out, rec, err
}
