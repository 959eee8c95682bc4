package codec

import (
	"image"
	"image/png"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// LoadCarrier decodes a PNG file. Non-PNG carriers are out of scope (§1
// Non-goals: "only PNG for encrypted carriers").
func LoadCarrier(path string) (image.Image, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot decode png %#v", path)
	}
	return img, nil
}

// SaveCarrier writes img to path using rename-over-temp, so a reader never
// observes a partially written carrier (§5 Resources).
func SaveCarrier(path string, img image.Image) error {
	tmp, err := ioutil.TempFile(filepath.Dir(path), ".carrier-*.png.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if err := png.Encode(tmp, img); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
