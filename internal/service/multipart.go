package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strings"

	"storefront-gateway/internal/model"
	"storefront-gateway/internal/transform"
)

// typedDataField carries the JSON-encoded typed fields next to file parts.
const typedDataField = "data"

// errBodyAbandoned stops the body writer once the backend has answered.
var errBodyAbandoned = errors.New("backend response received")

// forwardMultipart stages the upload, re-encodes it for the backend and
// removes every staged file before returning.
func (s *ProxyService) forwardMultipart(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	if pr.Raw == nil {
		return nil, errors.New("multipart forwarding needs the inbound request")
	}

	batch, err := s.stager.Stage(pr.Ctx, pr.Raw)
	if err != nil {
		return nil, err
	}
	defer batch.Release()

	if pr.Schema == nil {
		return s.sendMultipart(pr, func(w *multipart.Writer) error {
			if err := writePassthroughFields(w, batch.Fields); err != nil {
				return err
			}
			return writeFiles(w, batch.Files)
		})
	}

	typed := transform.Schema(pr.Schema).Coerce(batch.Fields)
	if len(batch.Files) == 0 {
		return s.sendJSON(pr, typed)
	}
	return s.sendMultipart(pr, func(w *multipart.Writer) error {
		if err := writeJSONField(w, typedDataField, typed); err != nil {
			return err
		}
		return writeFiles(w, batch.Files)
	})
}

// sendMultipart streams a freshly encoded multipart body to the backend. The
// writer goroutine has exited by the time this returns, so staged files can
// be removed safely.
func (s *ProxyService) sendMultipart(pr *model.ProxyRequest, write func(*multipart.Writer) error) (*model.ProxyResponse, error) {
	body, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	contentType := mw.FormDataContentType()

	done := make(chan error, 1)
	go func() {
		err := write(mw)
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
		done <- err
	}()

	req, err := http.NewRequestWithContext(pr.Ctx, pr.Method, buildTargetURL(pr), body)
	if err != nil {
		_ = body.CloseWithError(err)
		<-done
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	req.Header = s.identityHeaders(pr.Header)
	req.Header.Set("Content-Type", contentType)

	resp, err := s.send(pr, req)
	_ = body.CloseWithError(errBodyAbandoned)
	if werr := <-done; werr != nil && !errors.Is(werr, errBodyAbandoned) {
		s.logger.Warn("encoding multipart body",
			"err", werr,
			"backend", pr.Backend,
			"path", pr.TargetPath,
		)
	}
	return resp, err
}

func writePassthroughFields(w *multipart.Writer, fields *model.FormFields) error {
	for _, f := range fields.All() {
		for _, v := range f.Values {
			if err := w.WriteField(f.Name, v); err != nil {
				return fmt.Errorf("write field %q: %w", f.Name, err)
			}
		}
		for _, k := range f.Keys {
			name := f.Name + "[" + k + "]"
			if err := w.WriteField(name, f.Nested[k]); err != nil {
				return fmt.Errorf("write field %q: %w", name, err)
			}
		}
	}
	return nil
}

func writeJSONField(w *multipart.Writer, name string, v any) error {
	fw, err := w.CreateFormField(name)
	if err != nil {
		return fmt.Errorf("write field %q: %w", name, err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode field %q: %w", name, err)
	}
	_, err = fw.Write(data)
	return err
}

func writeFiles(w *multipart.Writer, files []*model.StagedFile) error {
	for _, f := range files {
		if err := writeFile(w, f); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(w *multipart.Writer, f *model.StagedFile) error {
	src, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("open staged file %q: %w", f.Filename, err)
	}
	defer func() { _ = src.Close() }()

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(f.Field), quoteEscaper.Replace(f.Filename)))
	h.Set("Content-Type", f.ContentType)

	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create file part %q: %w", f.Filename, err)
	}
	if _, err := io.Copy(part, src); err != nil {
		return fmt.Errorf("stream staged file %q: %w", f.Filename, err)
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")
