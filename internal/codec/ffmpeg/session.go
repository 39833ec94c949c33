// Package ffmpeg implements codec.Session on top of an ffmpeg subprocess.
// Raw frames are written to the process's stdin by a feeder goroutine and the
// elementary stream on stdout is cut into access units by a parser goroutine.
package ffmpeg

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/babelcloud/gbox/packages/recorder/internal/codec"
	procgroup "github.com/babelcloud/gbox/packages/recorder/internal/proc_group"
	"github.com/babelcloud/gbox/packages/recorder/internal/util"
)

const readChunk = 64 * 1024

// ErrEncoderExited is returned when ffmpeg stops before end of stream was queued.
var ErrEncoderExited = errors.New("encoder process exited")

// streamParser turns stdout bytes into session outputs. It runs on the
// parser goroutine only.
type streamParser interface {
	push(data []byte, emit func(codec.Output) error) error
	flush(emit func(codec.Output) error) error
}

type feedItem struct {
	index int
	size  int
	ptsUs int64
	flags codec.BufferFlag
}

// Session drives one ffmpeg encoder process.
type Session struct {
	name   string
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *util.LogWriter
	cancel context.CancelFunc
	group  *errgroup.Group

	parser    streamParser
	checkSize func(size int) error
	onQueue   func(ptsUs int64)

	slots   [][]byte
	free    chan int
	feed    chan feedItem
	outputs chan codec.Output

	mu        sync.Mutex
	held      map[int]struct{}
	nextOut   int
	eosQueued bool
	eosPts    int64
	failure   error
	released  bool

	releaseOnce sync.Once
	waitOnce    sync.Once
	waitErr     error
}

type sessionConfig struct {
	name      string
	path      string
	args      []string
	slotSize  int
	slots     int
	parser    streamParser
	checkSize func(size int) error
	onQueue   func(ptsUs int64)
	logger    *slog.Logger
}

func startSession(cfg sessionConfig) (*Session, error) {
	if cfg.slots <= 0 {
		cfg.slots = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	logger := cfg.logger.With("session", cfg.name)

	cmd := exec.CommandContext(ctx, cfg.path, cfg.args...)
	procgroup.Detach(cmd)
	stderr := util.NewLogWriter(logger, slog.LevelDebug, "stream", "stderr")
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		stdin.Close()
		return nil, errors.Wrap(err, "stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		cancel()
		stdin.Close()
		stdout.Close()
		return nil, errors.Wrapf(err, "start %s", cfg.path)
	}
	logger.Debug("encoder process started", "pid", cmd.Process.Pid, "args", cfg.args)

	s := &Session{
		name:      cfg.name,
		logger:    logger,
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
		cancel:    cancel,
		parser:    cfg.parser,
		checkSize: cfg.checkSize,
		onQueue:   cfg.onQueue,
		slots:     make([][]byte, cfg.slots),
		free:      make(chan int, cfg.slots),
		feed:      make(chan feedItem, cfg.slots),
		outputs:   make(chan codec.Output, 2*cfg.slots+16),
		held:      make(map[int]struct{}),
	}
	for i := range s.slots {
		s.slots[i] = make([]byte, cfg.slotSize)
		s.free <- i
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.feedLoop(gctx) })
	g.Go(func() error { return s.parseLoop(gctx) })
	s.group = g
	return s, nil
}

func (s *Session) Name() string { return s.name }

func (s *Session) DequeueInput(timeout time.Duration) (*codec.InputSlot, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		select {
		case i := <-s.free:
			return &codec.InputSlot{Index: i, Buf: s.slots[i]}, nil
		default:
			return nil, nil
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case i := <-s.free:
		return &codec.InputSlot{Index: i, Buf: s.slots[i]}, nil
	case <-timer.C:
		return nil, nil
	}
}

func (s *Session) QueueInput(slot *codec.InputSlot, size int, ptsUs int64, flags codec.BufferFlag) error {
	if slot == nil || slot.Index < 0 || slot.Index >= len(s.slots) {
		return codec.ErrUnknownSlot
	}
	if size < 0 || size > len(s.slots[slot.Index]) {
		s.free <- slot.Index
		return errors.Wrapf(codec.ErrInputTooLarge, "%d > %d", size, len(s.slots[slot.Index]))
	}

	s.mu.Lock()
	if err := s.checkLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.eosQueued {
		s.mu.Unlock()
		s.free <- slot.Index
		return errors.New("input queued after end of stream")
	}
	eos := flags.Has(codec.FlagEndOfStream)
	if eos {
		s.eosQueued = true
		s.eosPts = ptsUs
	}
	s.mu.Unlock()

	if !eos {
		if s.checkSize != nil {
			if err := s.checkSize(size); err != nil {
				s.free <- slot.Index
				return err
			}
		}
		if s.onQueue != nil {
			s.onQueue(ptsUs)
		}
	}
	s.feed <- feedItem{index: slot.Index, size: size, ptsUs: ptsUs, flags: flags}
	return nil
}

func (s *Session) DequeueOutput(timeout time.Duration) (codec.Output, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	var (
		o  codec.Output
		ok bool
	)
	if timer == nil {
		select {
		case o, ok = <-s.outputs:
		default:
			return codec.Output{Status: codec.TryAgainLater}, s.check()
		}
	} else {
		select {
		case o, ok = <-s.outputs:
		case <-timer:
			return codec.Output{Status: codec.TryAgainLater}, s.check()
		}
	}
	if !ok {
		// Parser finished; nothing more will arrive.
		if err := s.check(); err != nil {
			return codec.Output{}, err
		}
		if timer != nil {
			<-timer
		}
		return codec.Output{Status: codec.TryAgainLater}, nil
	}
	if o.Status == codec.Buffer {
		s.mu.Lock()
		s.held[o.Index] = struct{}{}
		s.mu.Unlock()
	}
	return o, nil
}

func (s *Session) ReleaseOutput(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.held[index]; !ok {
		return errors.Wrapf(codec.ErrUnknownOutput, "index %d", index)
	}
	delete(s.held, index)
	return nil
}

// Release stops the process and waits for the session goroutines.
func (s *Session) Release() error {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		s.released = true
		s.mu.Unlock()

		s.cancel()
		_ = s.stdin.Close()
		if err := s.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Debug("encoder goroutines ended with error", "error", err)
		}
		_ = s.wait()
		s.stderr.Flush()
		s.logger.Debug("encoder session released")
	})
	return nil
}

// wait reaps the process. Safe to call more than once.
func (s *Session) wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	return s.waitErr
}

func (s *Session) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkLocked()
}

func (s *Session) checkLocked() error {
	if s.released {
		return codec.ErrSessionReleased
	}
	return s.failure
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == nil && !s.released {
		s.failure = err
	}
	return err
}

func (s *Session) feedLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case item := <-s.feed:
			if item.flags.Has(codec.FlagEndOfStream) {
				s.free <- item.index
				if err := s.stdin.Close(); err != nil {
					return s.fail(errors.Wrap(err, "close encoder stdin"))
				}
				return nil
			}
			_, err := s.stdin.Write(s.slots[item.index][:item.size])
			s.free <- item.index
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return s.fail(errors.Wrap(err, "write encoder stdin"))
			}
		}
	}
}

func (s *Session) parseLoop(ctx context.Context) error {
	defer close(s.outputs)

	emit := func(o codec.Output) error {
		if o.Status == codec.Buffer {
			s.mu.Lock()
			o.Index = s.nextOut
			s.nextOut++
			s.mu.Unlock()
		}
		select {
		case s.outputs <- o:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	buf := make([]byte, readChunk)
	for {
		n, err := s.stdout.Read(buf)
		if n > 0 {
			if perr := s.parser.push(buf[:n], emit); perr != nil {
				if ctx.Err() != nil {
					return nil
				}
				return s.fail(errors.Wrap(perr, "parse encoder output"))
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return s.fail(errors.Wrap(err, "read encoder stdout"))
		}
	}

	if err := s.parser.flush(emit); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return s.fail(errors.Wrap(err, "parse encoder output"))
	}

	waitErr := s.wait()
	s.stderr.Flush()
	if ctx.Err() != nil {
		return nil
	}

	s.mu.Lock()
	eos, eosPts := s.eosQueued, s.eosPts
	s.mu.Unlock()
	if !eos {
		if waitErr == nil {
			waitErr = ErrEncoderExited
		}
		return s.fail(errors.Wrap(waitErr, "encoder exited before end of stream"))
	}
	if waitErr != nil {
		return s.fail(errors.Wrap(waitErr, "encoder exited"))
	}
	s.logger.Debug("encoder reached end of stream", "pts", eosPts)
	_ = emit(codec.Output{
		Status: codec.Buffer,
		Info:   codec.BufferInfo{PresentationTimeUs: eosPts, Flags: codec.FlagEndOfStream},
	})
	return nil
}
