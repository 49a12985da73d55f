package imagehash

import (
	"bytes"
	"image/gif"

	"github.com/disintegration/imaging"
)

// maxWidth bounds persisted meme images; wider images are scaled down.
const maxWidth = 400

// Compress normalizes an encoded image for storage: resized to at most
// maxWidth and re-encoded as JPEG. Animated GIFs are kept unmodified so the
// animation survives. The returned extension includes the leading dot.
//
// Compression is best-effort: undecodable input is stored as-is.
func Compress(data []byte) ([]byte, string) {
	if g, err := gif.DecodeAll(bytes.NewReader(data)); err == nil && len(g.Image) > 1 {
		return data, ".gif"
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return data, ".jpg"
	}

	if img.Bounds().Dx() > maxWidth {
		img = imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(75)); err != nil {
		return data, ".jpg"
	}
	return buf.Bytes(), ".jpg"
}
