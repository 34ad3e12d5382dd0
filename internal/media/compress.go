// Package media compresses images and uploads them to the image host.
package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"path"
	"strings"

	"golang.org/x/image/draw"

	"github.com/blackmichael/campusfeed/internal/domain"
)

const (
	defaultMaxBytes     = 512 * 1024
	defaultMaxDimension = 1920

	startQuality = 90
	minQuality   = 40
	qualityStep  = 10
)

// Compressor re-encodes images as JPEG no larger than MaxDimension on
// either side, lowering quality until the result fits MaxBytes.
type Compressor struct {
	MaxBytes     int
	MaxDimension int
}

// Compress returns f unchanged when it already fits. When the limits cannot
// be met the smallest encoding is returned.
func (c Compressor) Compress(ctx context.Context, f domain.File) (domain.File, error) {
	maxBytes, maxDim := c.MaxBytes, c.MaxDimension
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	if maxDim <= 0 {
		maxDim = defaultMaxDimension
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(f.Data))
	if err != nil {
		return domain.File{}, fmt.Errorf("decode image config: %w", err)
	}
	if len(f.Data) <= maxBytes && cfg.Width <= maxDim && cfg.Height <= maxDim {
		return f, nil
	}

	src, _, err := image.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return domain.File{}, fmt.Errorf("decode %s image: %w", format, err)
	}
	img := downscale(src, maxDim)

	var best []byte
	for q := startQuality; q >= minQuality; q -= qualityStep {
		if err := ctx.Err(); err != nil {
			return domain.File{}, err
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return domain.File{}, fmt.Errorf("encode jpeg: %w", err)
		}
		best = buf.Bytes()
		if len(best) <= maxBytes {
			break
		}
	}

	return domain.File{
		Name:        jpegName(f.Name),
		ContentType: "image/jpeg",
		Data:        best,
	}, nil
}

// downscale fits src within maxDim on its longer side, keeping the aspect
// ratio.
func downscale(src image.Image, maxDim int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return src
	}
	if w >= h {
		h = max(1, h*maxDim/w)
		w = maxDim
	} else {
		w = max(1, w*maxDim/h)
		h = maxDim
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

func jpegName(name string) string {
	if name == "" {
		return "image.jpg"
	}
	return strings.TrimSuffix(name, path.Ext(name)) + ".jpg"
}
