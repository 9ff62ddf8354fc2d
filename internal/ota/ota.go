// Package ota downloads firmware images and swaps them in atomically.
package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/coreman2200/ledbrain/internal/metrics"
)

var (
	ErrUpdate   = errors.New("firmware update failed")
	ErrEmpty    = errors.New("firmware image is empty")
	ErrTooLarge = errors.New("firmware image too large")
)

// Set at link time: -ldflags "-X .../ota.BuildCount=123 -X .../ota.BuildHash=abc1234".
var (
	BuildCount = "0"
	BuildHash  = "dev"
)

// Version identifies the running build, as go-<commit count>-<short hash>.
func Version() string {
	return fmt.Sprintf("go-%s-%s", BuildCount, BuildHash)
}

// Updater replaces Target with the image at a URL. The current image is only
// touched by the final rename, after the download is complete and validated.
type Updater struct {
	Client     *http.Client
	Target     string
	StagingDir string
	MaxBytes   int64
}

func (u *Updater) client() *http.Client {
	if u.Client != nil {
		return u.Client
	}
	return &http.Client{Timeout: 5 * time.Minute}
}

func (u *Updater) Update(ctx context.Context, url string) error {
	if u.Target == "" {
		return fmt.Errorf("%w: no target configured", ErrUpdate)
	}
	logger := log.With().Str("component", "ota").Str("url", url).Logger()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUpdate, err)
	}
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := u.client().Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUpdate, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %s", ErrUpdate, resp.Status)
	}
	logger.Info().Int64("content_length", resp.ContentLength).Msg("downloading firmware")

	st, err := u.begin()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUpdate, err)
	}
	n, err := st.read(resp.Body, u.MaxBytes)
	metrics.FirmwareBytesTotal.Add(float64(n))
	if err != nil {
		st.abort()
		return fmt.Errorf("%w: %w", ErrUpdate, err)
	}
	if err := st.commit(u.Target); err != nil {
		st.abort()
		return fmt.Errorf("%w: %w", ErrUpdate, err)
	}
	logger.Info().Int64("bytes", n).Str("target", u.Target).Msg("firmware installed")
	return nil
}

type staged struct {
	f *os.File
}

func (u *Updater) begin() (*staged, error) {
	dir := u.StagingDir
	if dir == "" {
		dir = filepath.Dir(u.Target)
	}
	f, err := os.CreateTemp(dir, ".firmware-*")
	if err != nil {
		return nil, err
	}
	return &staged{f: f}, nil
}

// read copies the image into the staged file, enforcing limit when positive.
func (s *staged) read(r io.Reader, limit int64) (int64, error) {
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(s.f, r)
	if err != nil {
		return n, err
	}
	if limit > 0 && n > limit {
		return n, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	if n == 0 {
		return 0, ErrEmpty
	}
	return n, nil
}

func (s *staged) commit(target string) error {
	if err := s.f.Sync(); err != nil {
		return err
	}
	if err := s.f.Chmod(0o755); err != nil {
		return err
	}
	if err := s.f.Close(); err != nil {
		return err
	}
	return os.Rename(s.f.Name(), target)
}

func (s *staged) abort() {
	_ = s.f.Close()
	_ = os.Remove(s.f.Name())
}
