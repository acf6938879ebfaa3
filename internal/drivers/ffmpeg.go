// internal/drivers/ffmpeg.go
package drivers

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"log"
	"net/url"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/sua-org/cam-sentinel/internal/core"
)

func init() {
	RegisterSource(core.KindRTSP, func(opts Options) (Source, error) {
		return newFFmpegSource(core.KindRTSP, opts)
	})
	RegisterSource(core.KindUSB, func(opts Options) (Source, error) {
		return newFFmpegSource(core.KindUSB, opts)
	})
}

// ffmpegSource lê RTSP ou v4l2 por um subprocesso ffmpeg que escreve MJPEG
// no stdout.
type ffmpegSource struct {
	kind core.CameraKind
	opts Options

	mu     sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
	frames chan []byte
	errs   chan error
	stderr *tailBuffer
}

func newFFmpegSource(kind core.CameraKind, opts Options) (*ffmpegSource, error) {
	if opts.Address == "" {
		return nil, fmt.Errorf("%w: %s source without address", core.ErrConfigInvalid, kind)
	}
	return &ffmpegSource{kind: kind, opts: opts}, nil
}

func (s *ffmpegSource) args() ([]string, error) {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}

	switch s.kind {
	case core.KindRTSP:
		u, err := url.Parse(s.opts.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: rtsp url: %v", core.ErrConfigInvalid, err)
		}
		if u.User == nil && !s.opts.Credentials.Empty() {
			u.User = url.UserPassword(s.opts.Credentials.Username, s.opts.Credentials.Password)
		}
		args = append(args,
			"-rtsp_transport", "tcp",
			// timeout de socket em microssegundos
			"-timeout", strconv.FormatInt(s.opts.ReadTimeout.Microseconds(), 10),
			"-i", u.String(),
		)
	case core.KindUSB:
		args = append(args, "-f", "v4l2")
		if s.opts.FPS > 0 {
			args = append(args, "-framerate", strconv.Itoa(s.opts.FPS))
		}
		if s.opts.Width > 0 && s.opts.Height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", s.opts.Width, s.opts.Height))
		}
		args = append(args, "-i", s.opts.Address)
	default:
		return nil, ErrDriverNotFound
	}

	args = append(args, "-an")
	if s.opts.Width > 0 && s.opts.Height > 0 && s.kind == core.KindRTSP {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", s.opts.Width, s.opts.Height))
	}
	if s.opts.FPS > 0 {
		args = append(args, "-r", strconv.Itoa(s.opts.FPS))
	}
	args = append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "pipe:1")
	return args, nil
}

func (s *ffmpegSource) Connect(ctx context.Context) error {
	args, err := s.args()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return nil
	}

	pctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(pctx, s.opts.FFmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("%w: start ffmpeg: %v", core.ErrConnection, err)
	}

	frames := make(chan []byte, 2)
	errs := make(chan error, 1)
	s.cmd, s.cancel, s.frames, s.errs, s.stderr = cmd, cancel, frames, errs, stderr
	log.Printf("[%s] ffmpeg iniciado para %s (pid=%d)", s.kind, redact(s.opts.Address), cmd.Process.Pid)

	go func() {
		split := newMJPEGSplitter(stdout)
		for {
			frame, err := split.Next()
			if err != nil {
				werr := cmd.Wait()
				if werr != nil {
					err = fmt.Errorf("%w: ffmpeg exited: %v (%s)", core.ErrConnection, werr, stderr.String())
				} else {
					err = fmt.Errorf("%w: ffmpeg stream ended", core.ErrConnection)
				}
				errs <- err
				close(frames)
				return
			}
			// mantém só os quadros mais recentes
			select {
			case frames <- frame:
			default:
				select {
				case <-frames:
				default:
				}
				select {
				case frames <- frame:
				default:
				}
			}
		}
	}()
	return nil
}

func (s *ffmpegSource) ReadFrame(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	frames, errs := s.frames, s.errs
	s.mu.Unlock()
	if frames == nil {
		return Frame{}, ErrNotConnected
	}

	timer := time.NewTimer(s.opts.ReadTimeout)
	defer timer.Stop()

	select {
	case data, ok := <-frames:
		if !ok {
			select {
			case err := <-errs:
				return Frame{}, err
			default:
				return Frame{}, fmt.Errorf("%w: ffmpeg stream ended", core.ErrConnection)
			}
		}
		f := Frame{Data: data, CapturedAt: time.Now().UTC()}
		if cfg, err := jpeg.DecodeConfig(bytes.NewReader(data)); err == nil {
			f.Width, f.Height = cfg.Width, cfg.Height
		}
		return f, nil
	case <-timer.C:
		return Frame{}, ErrReadTimeout
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (s *ffmpegSource) Close() error {
	s.mu.Lock()
	cmd, cancel := s.cmd, s.cancel
	s.cmd, s.cancel, s.frames, s.errs = nil, nil, nil, nil
	s.mu.Unlock()

	if cmd == nil {
		return nil
	}
	cancel()
	log.Printf("[%s] ffmpeg encerrado para %s", s.kind, redact(s.opts.Address))
	return nil
}

// redact tira usuário/senha da URL antes de logar.
func redact(addr string) string {
	u, err := url.Parse(addr)
	if err != nil || u.User == nil {
		return addr
	}
	u.User = nil
	return u.String()
}

// tailBuffer guarda só o final do stderr do ffmpeg para compor o erro.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-t.max:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf))
}
