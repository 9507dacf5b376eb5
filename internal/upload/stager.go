// Package upload stages multipart request bodies: form values are read into
// memory and file parts are written to a dedicated directory for the
// lifetime of one request.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"storefront-gateway/internal/config"
	"storefront-gateway/internal/metrics"
	"storefront-gateway/internal/model"
)

// ParseError reports a multipart body that could not be staged.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return "parse multipart body: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// errFieldTooLarge is returned when form values exceed the configured limit.
var errFieldTooLarge = errors.New("form fields exceed size limit")

// Stager writes uploaded files into a staging directory.
type Stager struct {
	dir           string
	maxFieldBytes int64
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// NewStager creates the staging directory if needed and returns a Stager.
// The metrics parameter is optional; pass nil to disable staging metrics.
func NewStager(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Stager, error) {
	dir, err := filepath.Abs(cfg.Upload.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir %s: %w", dir, err)
	}
	return &Stager{
		dir:           dir,
		maxFieldBytes: cfg.Upload.MaxFieldBytes,
		logger:        logger.With("component", "upload_stager"),
		metrics:       m,
	}, nil
}

// Dir returns the absolute staging directory.
func (s *Stager) Dir() string {
	return s.dir
}

// Stage reads the whole multipart body of req. On success the caller owns
// the returned Batch and must Release it. On failure every file staged so
// far has already been removed and the error is a *ParseError, unless ctx
// was canceled.
func (s *Stager) Stage(ctx context.Context, req *http.Request) (*Batch, error) {
	mr, err := req.MultipartReader()
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	b := &Batch{
		Fields:  model.NewFormFields(),
		logger:  s.logger,
		metrics: s.metrics,
	}
	budget := s.maxFieldBytes

	for {
		if err := ctx.Err(); err != nil {
			b.Release()
			return nil, err
		}

		part, err := mr.NextPart()
		// A bare io.EOF marks the closing boundary; a body that ends early
		// comes back wrapped.
		if err == io.EOF { //nolint:errorlint
			break
		}
		if err != nil {
			b.Release()
			return nil, &ParseError{Err: err}
		}

		name := part.FormName()
		if name == "" {
			_ = part.Close()
			continue
		}

		if part.FileName() == "" {
			value, err := readField(part, budget)
			_ = part.Close()
			if err != nil {
				b.Release()
				return nil, &ParseError{Err: err}
			}
			budget -= int64(len(value))
			b.Fields.Add(name, value)
			continue
		}

		f, err := s.stageFile(part)
		_ = part.Close()
		if err != nil {
			b.Release()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, &ParseError{Err: err}
		}
		b.add(f)
	}

	s.logger.Debug("multipart body staged",
		"fields", b.Fields.Len(),
		"files", len(b.Files),
	)
	return b, nil
}

func readField(part *multipart.Part, budget int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(part, budget+1))
	if err != nil {
		return "", fmt.Errorf("read field %q: %w", part.FormName(), err)
	}
	if int64(len(data)) > budget {
		return "", errFieldTooLarge
	}
	return string(data), nil
}

func (s *Stager) stageFile(part *multipart.Part) (sf *model.StagedFile, err error) {
	original := part.FileName()
	path := filepath.Join(s.dir, uuid.NewString()+"-"+sanitizeName(original))

	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create staged file: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close staged file: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	n, err := io.Copy(out, part)
	if err != nil {
		return nil, fmt.Errorf("write staged file %q: %w", original, err)
	}

	contentType := part.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &model.StagedFile{
		Field:       part.FormName(),
		Filename:    original,
		ContentType: contentType,
		Path:        path,
		Size:        n,
	}, nil
}

// maxNameBytes bounds the original name kept in a staged file name.
const maxNameBytes = 100

// sanitizeName keeps the base name of an uploaded file and drops characters
// that are awkward on disk. Long names keep their tail, cut on a rune
// boundary so the extension survives.
func sanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == 0:
			return -1
		case r < 0x20:
			return '_'
		}
		return r
	}, name)
	if name == "." || name == "" {
		return "upload"
	}
	if len(name) > maxNameBytes {
		cut := len(name) - maxNameBytes
		for cut < len(name) && !utf8.RuneStart(name[cut]) {
			cut++
		}
		name = name[cut:]
	}
	return name
}
