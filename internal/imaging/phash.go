package imaging

import (
	"bytes"
	"fmt"
	"image"
	"math"
	"math/bits"
	"slices"

	"github.com/kozaktomas/face-attendance/internal/apperr"
	"golang.org/x/image/draw"
)

const (
	hashSampleSize = 32 // side of the grayscale thumbnail the DCT runs on
	hashBlockSize  = 8  // low-frequency block kept from the DCT
)

// PerceptualHash returns the 64-bit DCT hash of an image as 16 hex digits. Re-encoded,
// resized or lightly edited copies of a picture hash to nearby values, which lets the
// detection log show the same image being submitted again.
func PerceptualHash(data []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", apperr.Wrap(apperr.ErrDecode, err, "image could not be decoded")
	}
	return fmt.Sprintf("%016x", phash(img)), nil
}

// HashDistance is the number of differing bits between two hashes from PerceptualHash.
// Values up to about 10 mean near-duplicates.
func HashDistance(a, b string) (int, error) {
	var x, y uint64
	if _, err := fmt.Sscanf(a, "%016x", &x); err != nil {
		return 0, fmt.Errorf("parsing hash %q: %w", a, err)
	}
	if _, err := fmt.Sscanf(b, "%016x", &y); err != nil {
		return 0, fmt.Errorf("parsing hash %q: %w", b, err)
	}
	return bits.OnesCount64(x ^ y), nil
}

func phash(img image.Image) uint64 {
	luma := grayscale(img, hashSampleSize)
	coeffs := dct2(luma, hashSampleSize)

	// Top-left block without the DC term, padded with the next coefficient in row order.
	low := make([]float64, 0, hashBlockSize*hashBlockSize)
	for u := range hashBlockSize {
		for v := range hashBlockSize {
			if u == 0 && v == 0 {
				continue
			}
			low = append(low, coeffs[u*hashSampleSize+v])
		}
	}
	low = append(low, coeffs[hashBlockSize*hashSampleSize])

	median := medianOf(low)
	var h uint64
	for i, c := range low {
		if c > median {
			h |= 1 << (63 - i)
		}
	}
	return h
}

// grayscale scales img to n×n and returns BT.601 luma in row-major order.
func grayscale(img image.Image, n int) []float64 {
	dst := image.NewRGBA(image.Rect(0, 0, n, n))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)

	out := make([]float64, n*n)
	for y := range n {
		for x := range n {
			o := dst.PixOffset(x, y)
			r, g, b := float64(dst.Pix[o]), float64(dst.Pix[o+1]), float64(dst.Pix[o+2])
			out[y*n+x] = 0.299*r + 0.587*g + 0.114*b
		}
	}
	return out
}

// dct2 is a separable 2-D DCT-II over an n×n row-major matrix: rows first, then columns.
func dct2(in []float64, n int) []float64 {
	cos := make([]float64, n*n)
	for k := range n {
		for i := range n {
			cos[k*n+i] = math.Cos(math.Pi * float64(k) * (2*float64(i) + 1) / (2 * float64(n)))
		}
	}

	rows := make([]float64, n*n)
	for y := range n {
		for k := range n {
			var sum float64
			for x := range n {
				sum += in[y*n+x] * cos[k*n+x]
			}
			rows[y*n+k] = sum
		}
	}

	out := make([]float64, n*n)
	for x := range n {
		for k := range n {
			var sum float64
			for y := range n {
				sum += rows[y*n+x] * cos[k*n+y]
			}
			out[k*n+x] = sum
		}
	}
	return out
}

func medianOf(values []float64) float64 {
	s := slices.Clone(values)
	slices.Sort(s)
	n := len(s)
	if n%2 == 0 {
		return (s[n/2-1] + s[n/2]) / 2
	}
	return s[n/2]
}
