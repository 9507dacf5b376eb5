package upload

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"storefront-gateway/internal/metrics"
	"storefront-gateway/internal/model"
)

// Batch holds the parsed form of one request and owns its staged files.
type Batch struct {
	Fields *model.FormFields
	Files  []*model.StagedFile

	logger  *slog.Logger
	metrics *metrics.Metrics
	once    sync.Once
}

func (b *Batch) add(f *model.StagedFile) {
	b.Files = append(b.Files, f)
	if b.metrics != nil {
		b.metrics.StagedFiles.Inc()
		b.metrics.StagedBytes.Add(float64(f.Size))
	}
}

// Release deletes every staged file. It is safe to call more than once.
// Failures are logged and otherwise ignored.
func (b *Batch) Release() {
	b.once.Do(func() {
		for _, f := range b.Files {
			err := os.Remove(f.Path)
			if b.metrics != nil {
				b.metrics.StagedFiles.Dec()
			}
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				b.logger.Error("failed to delete staged file",
					"path", f.Path,
					"err", err,
				)
			}
		}
	})
}
