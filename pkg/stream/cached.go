package stream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Store persists transform results between runs
type Store interface {
	Get(bucket, key string) ([]byte, bool, error)
	Put(bucket, key string, value []byte) error
}

// Cached runs transform on each file separately and remembers the result by the file's content hash. Files whose
// contents were seen before skip the transform. transform must map each file to exactly one file.
func Cached(store Store, name string, transform Transform) Transform {
	return MapFiles(func(ctx context.Context, file *File) (*File, error) {
		digest := sha256.Sum256(file.Contents)
		key := file.Relative() + "#" + hex.EncodeToString(digest[:])

		cached, found, err := store.Get(name, key)
		if err != nil {
			return nil, eris.Wrap(err, "failed to read cache")
		}

		if found {
			zerolog.Ctx(ctx).Debug().Str("path", file.Path).Msgf("%s: cache hit", file.Relative())
			file.Contents = cached
			return file, nil
		}

		result, err := transform.Apply(ctx, []*File{file})
		if err != nil {
			return nil, err
		}

		if len(result) != 1 {
			return nil, eris.Errorf("cached transforms must return exactly one file but got %d", len(result))
		}

		err = store.Put(name, key, result[0].Contents)
		if err != nil {
			return nil, eris.Wrap(err, "failed to update cache")
		}
		return result[0], nil
	})
}
