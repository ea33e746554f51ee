// internal/browser/session/session.go
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-render/internal/observability"
)

const teardownGracePeriod = 15 * time.Second

var errNoRecording = errors.New("no recording was produced")

// session owns the browser resources of one request: a browser process, one
// isolated context with its page, and a private temp directory for downloads
// and the recording.
type session struct {
	id          string
	dir         string
	downloadDir string
	videoPath   string
	logger      *zap.Logger
	metrics     *observability.Metrics

	browser Browser
	page    Page

	once     sync.Once
	err      error
	video    []byte
	videoErr error
}

func newSession(tempDir string, record bool, metrics *observability.Metrics, logger *zap.Logger) (*session, error) {
	id := uuid.NewString()
	dir, err := os.MkdirTemp(tempDir, "scalpel-session-")
	if err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	s := &session{
		id:          id,
		dir:         dir,
		downloadDir: filepath.Join(dir, "downloads"),
		logger:      logger.With(zap.String("session_id", id)),
		metrics:     metrics,
	}
	if err := os.Mkdir(s.downloadDir, 0o700); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}
	if record {
		s.videoPath = filepath.Join(dir, "video.gif")
	}
	return s, nil
}

// teardown releases everything the session holds. It runs its body exactly
// once no matter how many exit paths call it: the browser context first, so
// the recording is finished, then the browser, then the recording is read
// back and the temp directory removed.
func (s *session) teardown(ctx context.Context) error {
	s.once.Do(func() {
		cleanupCtx, cancel := boundedCleanup(ctx, teardownGracePeriod)
		defer cancel()

		var errs []error
		if s.page != nil {
			if err := s.page.Close(cleanupCtx); err != nil {
				errs = append(errs, err)
			}
		}
		if s.browser != nil {
			if err := s.browser.Close(cleanupCtx); err != nil {
				errs = append(errs, err)
			}
		}

		if s.videoPath != "" {
			s.video, s.videoErr = os.ReadFile(s.videoPath)
			if errors.Is(s.videoErr, os.ErrNotExist) {
				s.videoErr = errNoRecording
			}
		}

		if err := os.RemoveAll(s.dir); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove session directory: %w", err))
		}

		s.err = errors.Join(errs...)
		if s.err != nil {
			s.logger.Warn("Session teardown reported errors.", zap.Error(s.err))
			if s.metrics != nil {
				s.metrics.TeardownFailures.Inc()
			}
			return
		}
		s.logger.Debug("Session torn down.")
	})
	return s.err
}

// encodedVideo returns the recording as base64. It is only meaningful after
// teardown; an empty string with no error means recording was off.
func (s *session) encodedVideo() (string, error) {
	if s.videoPath == "" {
		return "", nil
	}
	if s.videoErr != nil {
		return "", s.videoErr
	}
	return base64.StdEncoding.EncodeToString(s.video), nil
}
