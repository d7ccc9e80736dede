// Package input decides what source text an evaluate call runs on.
package input

import (
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

// Options is the explicit form of an evaluate input.
type Options struct {
	// Source is literal source text. It wins over FilePath when set.
	Source *string

	// FilePath names a file holding the source text.
	FilePath string

	// Encoding of the file, as a WHATWG label. Defaults to utf-8.
	Encoding string
}

// Resolver turns evaluate inputs into source text. A nil FS means local file access is
// not available.
type Resolver struct {
	fs     afero.Fs
	logger *zap.Logger
}

// NewResolver creates a resolver over fs, which may be nil.
func NewResolver(fs afero.Fs, logger *zap.Logger) *Resolver {
	return &Resolver{
		fs:     fs,
		logger: logger.With(zap.String("component", "input-resolver")),
	}
}

// ResolveText treats s as a file path if such a file can be read, and as literal source
// text otherwise. It never fails.
func (r *Resolver) ResolveText(s string) string {
	if r.fs == nil || !plausiblePath(s) {
		return s
	}

	info, err := r.fs.Stat(s)
	if err != nil || info.IsDir() {
		return s
	}

	data, err := afero.ReadFile(r.fs, s)
	if err != nil {
		r.logger.Debug("Path lookup failed, using input as source", zap.String("path", s), zap.Error(err))
		return s
	}

	r.logger.Debug("Evaluating file", zap.String("path", s), zap.Int("size_bytes", len(data)))
	return string(data)
}

// ResolveOptions returns the source text described by opts. Unlike ResolveText, a
// FilePath that cannot be read is an error.
func (r *Resolver) ResolveOptions(opts Options) (string, error) {
	if opts.Source != nil {
		return *opts.Source, nil
	}

	if opts.FilePath == "" {
		return "", &ArgumentError{Message: "either Source or FilePath is required"}
	}

	if r.fs == nil {
		return "", &CapabilityError{Path: opts.FilePath}
	}

	data, err := afero.ReadFile(r.fs, opts.FilePath)
	if err != nil {
		return "", &FileError{Path: opts.FilePath, Err: err}
	}

	enc, err := lookupEncoding(opts.Encoding)
	if err != nil {
		return "", &EncodingError{Path: opts.FilePath, Encoding: opts.Encoding, Err: err}
	}

	text, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", &EncodingError{Path: opts.FilePath, Encoding: opts.Encoding, Err: err}
	}
	return string(text), nil
}

func lookupEncoding(label string) (encoding.Encoding, error) {
	if label == "" {
		return unicode.UTF8, nil
	}
	return htmlindex.Get(label)
}

// plausiblePath rules out strings that cannot name a file, such as multi-line source.
func plausiblePath(s string) bool {
	return s != "" && len(s) < 4096 && !strings.ContainsAny(s, "\n\x00")
}
