package browser

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"filippo.io/age"
	"go.uber.org/zap"
)

// FrameSink принимает кадры записи сессии.
type FrameSink interface {
	WriteFrame(seq int, png []byte) error
}

// DirSink пишет кадры файлами в каталог сессии. С получателями age кадры шифруются.
type DirSink struct {
	dir        string
	recipients []age.Recipient
}

// ParseRecipients разбирает публичные ключи age1...
func ParseRecipients(keys []string) ([]age.Recipient, error) {
	out := make([]age.Recipient, 0, len(keys))
	for _, key := range keys {
		r, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("browser: parsing recipient key: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func NewDirSink(dir string, recipients []age.Recipient) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("browser: create recording dir: %w", err)
	}
	return &DirSink{dir: dir, recipients: recipients}, nil
}

func (s *DirSink) WriteFrame(seq int, png []byte) error {
	name := fmt.Sprintf("frame-%06d.png", seq)
	if len(s.recipients) > 0 {
		name += ".age"
	}
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("browser: create frame: %w", err)
	}
	defer f.Close()

	var w io.WriteCloser = nopCloser{f}
	if len(s.recipients) > 0 {
		w, err = age.Encrypt(f, s.recipients...)
		if err != nil {
			return fmt.Errorf("browser: creating age encryptor: %w", err)
		}
	}
	if _, err := w.Write(png); err != nil {
		return fmt.Errorf("browser: write frame: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("browser: finalize frame: %w", err)
	}
	return nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Recorder периодически снимает кадры страницы до остановки.
type Recorder struct {
	capture  func(ctx context.Context) ([]byte, error)
	sink     FrameSink
	interval time.Duration
	logger   *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	frames   int
}

func NewRecorder(capture func(ctx context.Context) ([]byte, error), sink FrameSink, interval time.Duration, logger *zap.Logger) *Recorder {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Recorder{
		capture:  capture,
		sink:     sink,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start снимает первый кадр сразу, дальше по тикеру.
func (r *Recorder) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			r.snap(ctx)
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop прерывает текущий снимок и ждет выхода записи. Возвращает число кадров.
func (r *Recorder) Stop() int {
	r.stopOnce.Do(func() {
		close(r.stop)
		r.cancel()
	})
	<-r.done
	return r.frames
}

func (r *Recorder) snap(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, r.interval)
	defer cancel()

	png, err := r.capture(cctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Debug("frame capture failed", zap.Error(err))
		}
		return
	}
	if err := r.sink.WriteFrame(r.frames, png); err != nil {
		r.logger.Warn("frame write failed", zap.Error(err))
		return
	}
	r.frames++
}
