// Package upload validates user-submitted photos and persists the ones
// that pass. Validation is a pure function over the submitted bytes and
// claimed filename; nothing touches storage until every check passes.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	// Register the only decoders we accept. A format outside this set
	// fails image.Decode and is rejected.
	_ "image/jpeg"
	_ "image/png"

	"github.com/virtualspecs/tryon-web/internal/xerrors"
)

const (
	// DefaultMaxBytes caps a single upload at 16 MiB.
	DefaultMaxBytes = 16 << 20

	maxNameLen = 100
)

var (
	ErrNoFile          = errors.New("no file provided")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file too large")
	ErrNotImage        = errors.New("file is not a valid image")
)

// allowedExts maps the accepted filename extensions to the decoded
// format name image.Decode must report for them.
var allowedExts = map[string]string{
	"png":  "png",
	"jpg":  "jpeg",
	"jpeg": "jpeg",
}

// Image is the outcome of a successful validation. Data aliases the
// caller's slice; it is not copied.
type Image struct {
	SafeName     string
	OriginalName string
	Width        int
	Height       int
	Format       string
	Data         []byte
}

// MIMEType reports the media type matching the decoded format.
func (i *Image) MIMEType() string { return contentTypeFor(i.Format) }

// OnInvalidImage is invoked when a submission passes the cheap checks
// but its bytes are not the image its name claims.
type OnInvalidImage func(ctx context.Context, detail string)

type ValidatorOption func(*Validator)

func WithMaxBytes(n int64) ValidatorOption {
	return func(v *Validator) { v.maxBytes = n }
}

func WithValidatorClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

func WithOnInvalidImage(fn OnInvalidImage) ValidatorOption {
	return func(v *Validator) { v.onInvalid = fn }
}

type Validator struct {
	maxBytes  int64
	now       func() time.Time
	onInvalid OnInvalidImage
}

func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{
		maxBytes: DefaultMaxBytes,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs the ordered checks against a submission and returns the
// validated image with its storage-safe name. Checks short-circuit:
// name presence, extension allow-list, size ceiling, then a full decode
// that must agree with the claimed extension.
func (v *Validator) Validate(ctx context.Context, name string, data []byte) (*Image, error) {
	if strings.TrimSpace(name) == "" || len(data) == 0 {
		return nil, ErrNoFile
	}

	ext, ok := extension(name)
	if !ok {
		return nil, ErrUnsupportedType
	}
	wantFormat := allowedExts[ext]

	if int64(len(data)) > v.maxBytes {
		return nil, ErrTooLarge
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		v.invalid(ctx, fmt.Sprintf("undecodable %s upload", ext))
		return nil, xerrors.Wrap(ErrNotImage, err.Error())
	}
	if format != wantFormat {
		v.invalid(ctx, fmt.Sprintf("extension %s but decoded as %s", ext, format))
		return nil, ErrNotImage
	}

	return &Image{
		SafeName:     SafeName(name, v.now()),
		OriginalName: name,
		Width:        cfg.Width,
		Height:       cfg.Height,
		Format:       format,
		Data:         data,
	}, nil
}

func (v *Validator) invalid(ctx context.Context, detail string) {
	if v.onInvalid != nil {
		v.onInvalid(ctx, detail)
	}
}

// extension returns the lowercased part after the last dot. Names
// without a dot have no extension and are rejected outright.
func extension(name string) (string, bool) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return "", false
	}
	ext := strings.ToLower(name[i+1:])
	_, ok := allowedExts[ext]
	return ext, ok
}
