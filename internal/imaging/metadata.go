package imaging

import (
	"bytes"
	"image"
	"image/color"
	"strings"

	"github.com/kozaktomas/face-attendance/internal/apperr"
)

// Metadata describes an uploaded image without decoding its pixels.
type Metadata struct {
	Format   string `json:"format"` // JPEG, PNG, GIF, BMP, WEBP, TIFF
	Mode     string `json:"mode"`   // RGB, RGBA, L, P or CMYK
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int    `json:"file_size"`
	PHash    string `json:"phash,omitempty"` // set by the caller from PerceptualHash
}

// ReadMetadata reads the image header. Unknown or truncated data returns apperr.ErrDecode.
func ReadMetadata(data []byte) (Metadata, error) {
	if len(data) == 0 {
		return Metadata{}, apperr.New(apperr.ErrDecode, "image is empty")
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Metadata{}, apperr.Wrap(apperr.ErrDecode, err, "image could not be decoded")
	}
	return Metadata{
		Format:   strings.ToUpper(format),
		Mode:     colorMode(cfg.ColorModel),
		Width:    cfg.Width,
		Height:   cfg.Height,
		FileSize: len(data),
	}, nil
}

// Map returns the metadata as a generic map for event storage.
func (m Metadata) Map() map[string]any {
	out := map[string]any{
		"format":    m.Format,
		"mode":      m.Mode,
		"width":     m.Width,
		"height":    m.Height,
		"file_size": m.FileSize,
	}
	if m.PHash != "" {
		out["phash"] = m.PHash
	}
	return out
}

// colorMode names a color model the way image tooling usually reports it.
func colorMode(m color.Model) string {
	if _, ok := m.(color.Palette); ok {
		return "P"
	}
	switch m {
	case color.GrayModel, color.Gray16Model:
		return "L"
	case color.RGBAModel, color.NRGBAModel, color.RGBA64Model, color.NRGBA64Model, color.NYCbCrAModel:
		return "RGBA"
	case color.CMYKModel:
		return "CMYK"
	case color.YCbCrModel:
		// JPEG decodes to YCbCr but is presented as RGB.
		return "RGB"
	case color.AlphaModel, color.Alpha16Model:
		return "L"
	default:
		return "RGB"
	}
}
