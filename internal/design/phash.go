// phash.go — Perceptual average hash for design-change detection.
// The screenshot is reduced to an 8x8 luma grid; each bit records whether its
// block is brighter than the grid mean. Two captures of the same layout land
// within a few bits of each other even across content changes, so a large
// Hamming distance means the page design itself moved.
package design

import (
	"image"
	"math/bits"
)

// hashBits is the hash width: an 8x8 grid.
const hashBits = 64

// AverageHash computes the 64-bit average hash of img.
func AverageHash(img image.Image) uint64 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return 0
	}

	// Mean luma per block, accumulated in one pass over the pixels.
	var sums, counts [8][8]uint64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		by := (y - bounds.Min.Y) * 8 / h
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			bx := (x - bounds.Min.X) * 8 / w
			r, g, b, _ := img.At(x, y).RGBA()
			// BT.601 luma on 16-bit channels.
			luma := (299*uint64(r) + 587*uint64(g) + 114*uint64(b)) / 1000
			sums[by][bx] += luma
			counts[by][bx]++
		}
	}

	var blocks [64]uint64
	var total uint64
	for by := 0; by < 8; by++ {
		for bx := 0; bx < 8; bx++ {
			if counts[by][bx] > 0 {
				blocks[by*8+bx] = sums[by][bx] / counts[by][bx]
			}
			total += blocks[by*8+bx]
		}
	}
	mean := total / 64

	var hash uint64
	for i, v := range blocks {
		if v > mean {
			hash |= 1 << uint(i)
		}
	}
	return hash
}

// Distance is the Hamming distance between two hashes.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// DistanceRatio normalizes the distance into [0,1].
func DistanceRatio(a, b uint64) float64 {
	return float64(Distance(a, b)) / hashBits
}
