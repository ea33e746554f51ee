package recorder

import (
	"encoding/base64"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-render/api/schemas"
)

// OnDownload drains a finished download: the file at path is read, encoded,
// appended under name and removed. A read failure is recorded as an error
// entry.
func (r *Recorder) OnDownload(name, path string) {
	data, readErr := os.ReadFile(path)
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		r.logger.Warn("Failed to remove downloaded file.", zap.String("path", path), zap.Error(rmErr))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if readErr != nil {
		r.appendLogLocked(schemas.LogError, fmt.Sprintf("Failed to read downloaded file %s: %v", name, readErr))
		return
	}
	r.downloads = append(r.downloads, schemas.DownloadedFile{
		FileName:    name,
		FileContent: base64.StdEncoding.EncodeToString(data),
	})
}
