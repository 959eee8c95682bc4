package codec

import (
	"crypto/sha256"
	"image"
)

// Fingerprint computes the content-addressed image identifier from §3:
// derived from the original pixel bytes plus the owner username, stable
// across re-encryption because the LSBs carrying the permission record are
// masked out before hashing.
func Fingerprint(img image.Image, owner string) [16]byte {
	nrgba := toNRGBA(img)
	h := sha256.New()
	h.Write([]byte(owner))

	masked := make([]byte, len(nrgba.Pix))
	for i, b := range nrgba.Pix {
		if (i+1)%4 == 0 {
			// alpha channel, never carries embedded bits, hash unmasked
			masked[i] = b
			continue
		}
		masked[i] = b &^ 1
	}
	h.Write(masked)

	sum := h.Sum(nil)
	var id [16]byte
	copy(id[:], sum[:16])
	return id
}
