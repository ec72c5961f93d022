package stream

import (
	"bytes"
	"context"
	"image/gif"
	"image/png"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// ImageOptions mirrors the usual imagemin switches
type ImageOptions struct {
	// Progressive is accepted for JPEG images but the standard encoder can't write progressive scans, JPEGs are
	// kept as they are.
	Progressive bool
	// Interlaced re-encodes GIFs
	Interlaced bool
}

// Images losslessly recompresses images. PNGs are re-encoded with the best compression, GIFs are re-encoded if
// interlacing was requested and SVGs are minified. The smaller of the original and the new version is kept.
func Images(opts ImageOptions) Transform {
	svgMinifier := newMinifier(HTMLOptions{})

	return TransformFunc(func(ctx context.Context, files []*File) ([]*File, error) {
		var saved int64
		for _, file := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			var (
				optimized []byte
				err       error
			)
			switch strings.ToLower(file.Ext()) {
			case ".png":
				optimized, err = optimizePNG(file.Contents)
			case ".gif":
				if opts.Interlaced {
					optimized, err = optimizeGIF(file.Contents)
				}
			case ".svg":
				optimized, err = svgMinifier.Bytes("image/svg+xml", file.Contents)
			}
			if err != nil {
				return nil, eris.Wrapf(err, "failed to optimize %s", file.Relative())
			}

			if optimized != nil && len(optimized) < len(file.Contents) {
				diff := int64(len(file.Contents) - len(optimized))
				saved += diff
				zerolog.Ctx(ctx).Debug().Str("path", file.Path).Msgf("%s: saved %s", file.Relative(), humanize.Bytes(uint64(diff)))
				file.Contents = optimized
			}
		}

		zerolog.Ctx(ctx).Info().Msgf("optimized %d images, saved %s", len(files), humanize.Bytes(uint64(saved)))
		return files, nil
	})
}

func optimizePNG(data []byte) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.BestCompression}
	err = encoder.Encode(&buf, img)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func optimizeGIF(data []byte) ([]byte, error) {
	anim, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	err = gif.EncodeAll(&buf, anim)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
