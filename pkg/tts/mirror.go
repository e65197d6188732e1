package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// ErrNotMirrored is returned by Fetch when the object does not exist.
var ErrNotMirrored = errors.New("tts file not mirrored")

// Mirror keeps a remote copy of the WAV cache so files survive a lost disk.
type Mirror interface {
	Upload(ctx context.Context, localPath, name string) error
	Fetch(ctx context.Context, name, localPath string) error
}

// GCSMirror stores cache files in a Cloud Storage bucket under a prefix.
type GCSMirror struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSMirror creates the storage client.
func NewGCSMirror(ctx context.Context, bucket, prefix, credentialsFile string) (*GCSMirror, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return &GCSMirror{client: client, bucket: bucket, prefix: prefix}, nil
}

func (g *GCSMirror) object(name string) *storage.ObjectHandle {
	return g.client.Bucket(g.bucket).Object(path.Join(g.prefix, filepath.ToSlash(name)))
}

// Upload copies localPath to the object for name.
func (g *GCSMirror) Upload(ctx context.Context, localPath, name string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	w := g.object(name).NewWriter(ctx)
	w.ContentType = "audio/x-wav"
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("uploading %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("uploading %s: %w", name, err)
	}
	return nil
}

// Fetch restores the object for name into localPath.
func (g *GCSMirror) Fetch(ctx context.Context, name, localPath string) error {
	r, err := g.object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrNotMirrored
	}
	if err != nil {
		return fmt.Errorf("fetching %s: %w", name, err)
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(localPath)
		return fmt.Errorf("fetching %s: %w", name, err)
	}
	return f.Close()
}

func (g *GCSMirror) Close() error {
	return g.client.Close()
}
