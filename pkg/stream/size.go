package stream

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// SizeReport collects the totals measured by Size
type SizeReport struct {
	Files  int
	Bytes  uint64
	Gzip   uint64
	Brotli uint64
}

// Pretty returns the most relevant total in a human readable format
func (r *SizeReport) Pretty() string {
	if r.Gzip > 0 {
		return humanize.Bytes(r.Gzip)
	}
	return humanize.Bytes(r.Bytes)
}

func compressedSize(data []byte, newWriter func(io.Writer) io.WriteCloser) uint64 {
	var buf bytes.Buffer
	writer := newWriter(&buf)
	_, err := writer.Write(data)
	if err != nil {
		return 0
	}
	if writer.Close() != nil {
		return 0
	}
	return uint64(buf.Len())
}

// Size logs the total size of all files passing through. With compressed set, the gzip and brotli sizes are
// measured as well. The totals are stored in report if it's not nil.
func Size(title string, compressed bool, report *SizeReport) Transform {
	return TransformFunc(func(ctx context.Context, files []*File) ([]*File, error) {
		totals := SizeReport{Files: len(files)}
		for _, file := range files {
			totals.Bytes += uint64(len(file.Contents))
			if compressed {
				totals.Gzip += compressedSize(file.Contents, func(w io.Writer) io.WriteCloser {
					gz, _ := gzip.NewWriterLevel(w, gzip.BestCompression)
					return gz
				})
				totals.Brotli += compressedSize(file.Contents, func(w io.Writer) io.WriteCloser {
					return brotli.NewWriterLevel(w, brotli.BestCompression)
				})
			}
		}

		evt := zerolog.Ctx(ctx).Info().Int("files", totals.Files)
		if compressed {
			evt.Msgf("%s all files %s (gzip), %s (brotli)", title, humanize.Bytes(totals.Gzip), humanize.Bytes(totals.Brotli))
		} else {
			evt.Msgf("%s all files %s", title, humanize.Bytes(totals.Bytes))
		}

		if report != nil {
			*report = totals
		}
		return files, nil
	})
}
