package upload

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/virtualspecs/tryon-web/internal/log"
	"github.com/virtualspecs/tryon-web/internal/xerrors"
)

// Store persists validated images and serves them back by safe name.
type Store interface {
	Save(ctx context.Context, img *Image) error
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

const thumbnailSize = 300

type DiskStoreOption func(*DiskStore)

func WithThumbnails(enabled bool) DiskStoreOption {
	return func(s *DiskStore) { s.thumbnails = enabled }
}

// DiskStore writes images under a flat directory and keeps a thumbnail
// alongside each one under dir/thumbs. Thumbnail failures never fail
// the upload; the full image is already durable by then.
type DiskStore struct {
	dir        string
	thumbnails bool
	logger     log.Logger
}

func NewDiskStore(dir string, logger log.Logger, opts ...DiskStoreOption) (*DiskStore, error) {
	s := &DiskStore{dir: dir, thumbnails: true, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrap(err, "creating upload dir")
	}
	if s.thumbnails {
		if err := os.MkdirAll(filepath.Join(dir, "thumbs"), 0o755); err != nil {
			return nil, xerrors.Wrap(err, "creating thumbnail dir")
		}
	}
	return s, nil
}

func (s *DiskStore) Save(ctx context.Context, img *Image) error {
	path := filepath.Join(s.dir, img.SafeName)
	if err := os.WriteFile(path, img.Data, 0o644); err != nil {
		return xerrors.Wrap(err, "writing upload")
	}

	if s.thumbnails {
		if err := s.writeThumbnail(img); err != nil {
			s.logger.Warn(ctx, "thumbnail generation failed",
				"filename", img.SafeName, "error", err)
		}
	}
	return nil
}

func (s *DiskStore) writeThumbnail(img *Image) error {
	src, err := imaging.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return xerrors.Wrap(err, "decoding for thumbnail")
	}
	thumb := imaging.Fit(src, thumbnailSize, thumbnailSize, imaging.Lanczos)
	dst := filepath.Join(s.dir, "thumbs", img.SafeName)
	if err := imaging.Save(thumb, dst); err != nil {
		return xerrors.Wrap(err, "saving thumbnail")
	}
	return nil
}

// Open streams a stored image. Names carrying separators or parent
// references never come out of SafeName, so they are rejected here
// rather than resolved.
func (s *DiskStore) Open(_ context.Context, name string) (io.ReadCloser, error) {
	if !safeToServe(name) {
		return nil, os.ErrNotExist
	}
	return os.Open(filepath.Join(s.dir, name))
}

func safeToServe(name string) bool {
	if name == "" || strings.Contains(name, "..") {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}
