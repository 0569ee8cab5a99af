package objectstore

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/forPelevin/voxprep/internal/config"
	"github.com/forPelevin/voxprep/internal/ports"
)

// Open builds the store named by [publish]. It returns nil when publishing
// is disabled.
func Open(p config.Publish) (ports.FileStore, error) {
	if !p.Enabled {
		return nil, nil
	}
	switch p.Backend {
	case config.BackendS3:
		client := NewS3Client(S3Options{
			Region:          p.Region,
			Endpoint:        p.Endpoint,
			AccessKeyID:     p.AccessKeyID,
			SecretAccessKey: p.SecretAccessKey,
		})
		return NewS3(client, p.Bucket, ""), nil
	case config.BackendLocal:
		l, err := NewLocal(p.Dir)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unsupported publish backend %q", p.Backend)
	}
}

// Publish copies every regular file below dir into store under prefix,
// keeping the relative layout. It returns the number of files copied.
func Publish(ctx context.Context, store ports.FileStore, dir, prefix string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key := path.Join(prefix, filepath.ToSlash(rel))
		if err := copyFile(ctx, store, p, key); err != nil {
			return fmt.Errorf("publish %s: %w", rel, err)
		}
		n++
		return nil
	})
	return n, err
}

func copyFile(ctx context.Context, store ports.FileStore, src, key string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	w, err := store.Write(ctx, key)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
