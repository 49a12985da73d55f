// Package imagehash computes perceptual fingerprints for near-duplicate
// detection and handles meme image normalization.
//
// The fingerprint is a difference hash: the image is shrunk to a 9x8
// greyscale grid and each pixel is compared to its horizontal neighbor,
// yielding 64 bits that survive recompression and minor resizing.
package imagehash

import (
	"bytes"
	"fmt"
	"image"
	"math/bits"
	"strconv"

	"github.com/disintegration/imaging"

	// Register decoders for the formats memes arrive in.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

const (
	hashWidth  = 9
	hashHeight = 8

	// DefaultTolerance is the Hamming distance under which two
	// fingerprints are considered the same image.
	DefaultTolerance = 5
)

// Hash computes the hex-encoded 64-bit difference hash of an encoded image.
func Hash(data []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	small := imaging.Grayscale(imaging.Resize(img, hashWidth, hashHeight, imaging.Lanczos))

	var val uint64
	bit := 0
	for row := 0; row < hashHeight; row++ {
		for col := 0; col < hashWidth-1; col++ {
			left, _, _, _ := small.At(col, row).RGBA()
			right, _, _, _ := small.At(col+1, row).RGBA()
			if left > right {
				val |= 1 << uint(bit)
			}
			bit++
		}
	}
	return strconv.FormatUint(val, 16), nil
}

// Distance returns the Hamming distance between two hex fingerprints.
// Malformed input counts as maximally distant.
func Distance(a, b string) int {
	if a == "" || b == "" {
		return 64
	}
	va, err := strconv.ParseUint(a, 16, 64)
	if err != nil {
		return 64
	}
	vb, err := strconv.ParseUint(b, 16, 64)
	if err != nil {
		return 64
	}
	return bits.OnesCount64(va ^ vb)
}

// Match reports whether two fingerprints are within the dedup tolerance.
func Match(a, b string) bool {
	return Distance(a, b) < DefaultTolerance
}
