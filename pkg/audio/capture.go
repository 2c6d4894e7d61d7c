package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/vaani/pkg/fault"
)

// Format describes the sample rate and channel count of a capture stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Validate reports whether f describes a usable stream.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("audio: channel count must be positive, got %d", f.Channels)
	}
	return nil
}

// Source opens capture streams on a single device.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Open acquires the device and returns a stream. An error means the
	// device is unavailable (permission denied, busy, missing).
	Open(ctx context.Context) (Stream, error)
}

// Stream is an open capture stream holding a device handle.
type Stream interface {
	// Format returns the native format of the stream.
	Format() Format

	// Read blocks until the next packet is available. It returns io.EOF when
	// the stream ends and ctx.Err() when ctx is cancelled.
	Read(ctx context.Context) ([]byte, error)

	// Close releases the device handle. It must unblock a pending Read and is
	// safe to call more than once.
	Close() error
}

// Decoder converts one stream packet into interleaved float frames in
// [-1, 1]. Stateful codecs need one Decoder per stream.
type Decoder interface {
	Decode(packet []byte) ([]float32, error)
}

// DecoderFunc adapts a function to the [Decoder] interface.
type DecoderFunc func(packet []byte) ([]float32, error)

// Decode implements [Decoder].
func (f DecoderFunc) Decode(packet []byte) ([]float32, error) { return f(packet) }

// Capture is an in-progress recording. Packets are read and decoded on a
// background goroutine until [Capture.Stop] is called, the stream ends, or
// the buffer reaches its duration limit.
type Capture struct {
	stream Stream
	dec    Decoder
	format Format
	limit  int // max interleaved samples kept
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	buf []float32
	err error

	stopOnce sync.Once
	sample   Sample
	stopErr  error
}

// StartCapture opens src and starts recording. At most maxDuration of audio is
// kept; zero means unlimited. The capture outlives ctx's cancellation so that
// a request-scoped context can start it; call [Capture.Stop] to finish.
func StartCapture(ctx context.Context, src Source, dec Decoder, maxDuration time.Duration) (*Capture, error) {
	stream, err := src.Open(ctx)
	if err != nil {
		return nil, asCaptureUnavailable(err)
	}
	f := stream.Format()
	if err := f.Validate(); err != nil {
		_ = stream.Close()
		return nil, fault.Wrap(fault.ErrCaptureUnavailable, err)
	}

	limit := 0
	if maxDuration > 0 {
		limit = int(int64(maxDuration)*int64(f.SampleRate)/int64(time.Second)) * f.Channels
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Capture{
		stream: stream,
		dec:    dec,
		format: f,
		limit:  limit,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run(runCtx)
	return c, nil
}

// Format returns the native format of the underlying stream.
func (c *Capture) Format() Format { return c.format }

// Done is closed when the background reader exits (stream end, failure, or
// Stop).
func (c *Capture) Done() <-chan struct{} { return c.done }

// Buffered returns the duration of audio recorded so far.
func (c *Capture) Buffered() time.Duration {
	c.mu.Lock()
	n := len(c.buf)
	c.mu.Unlock()
	frames := n / c.format.Channels
	return time.Duration(frames) * time.Second / time.Duration(c.format.SampleRate)
}

// Stop ends the recording, releases the device and encodes what was
// captured. It is idempotent: later calls return the first result.
func (c *Capture) Stop() (Sample, error) {
	c.stopOnce.Do(func() {
		c.cancel()
		if err := c.stream.Close(); err != nil {
			slog.Debug("audio: close capture stream", "err", err)
		}
		<-c.done

		c.mu.Lock()
		buf, readErr := c.buf, c.err
		c.buf = nil
		c.mu.Unlock()

		if readErr != nil {
			c.stopErr = readErr
			return
		}
		c.sample, c.stopErr = EncodeFloat(buf, c.format.Channels, c.format.SampleRate)
	})
	return c.sample, c.stopErr
}

func (c *Capture) run(ctx context.Context) {
	defer close(c.done)
	for {
		pkt, err := c.stream.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			c.fail(asCaptureUnavailable(err))
			return
		}
		frames, err := c.dec.Decode(pkt)
		if err != nil {
			c.fail(fault.Wrap(fault.ErrDecodeFailed, err))
			return
		}
		if len(frames)%c.format.Channels != 0 {
			c.fail(fault.Wrap(fault.ErrDecodeFailed,
				fmt.Errorf("audio: packet decoded to %d samples for %d channels", len(frames), c.format.Channels)))
			return
		}

		c.mu.Lock()
		if c.limit > 0 {
			room := c.limit - len(c.buf)
			if room <= 0 {
				c.mu.Unlock()
				continue
			}
			if len(frames) > room {
				frames = frames[:room-room%c.format.Channels]
			}
		}
		c.buf = append(c.buf, frames...)
		c.mu.Unlock()
	}
}

func (c *Capture) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

// Encode drains stream to EOF, decodes every packet and returns the encoded
// sample. The stream is always closed.
func Encode(ctx context.Context, stream Stream, dec Decoder) (Sample, error) {
	defer stream.Close()

	f := stream.Format()
	if err := f.Validate(); err != nil {
		return Sample{}, fault.Wrap(fault.ErrCaptureUnavailable, err)
	}

	var buf []float32
	for {
		pkt, err := stream.Read(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Sample{}, fmt.Errorf("audio: encode: %w", ctxErr)
			}
			return Sample{}, asCaptureUnavailable(err)
		}
		frames, err := dec.Decode(pkt)
		if err != nil {
			return Sample{}, fault.Wrap(fault.ErrDecodeFailed, err)
		}
		buf = append(buf, frames...)
	}
	return EncodeFloat(buf, f.Channels, f.SampleRate)
}

// asCaptureUnavailable classifies err as a capture failure unless it is
// already classified.
func asCaptureUnavailable(err error) error {
	if fault.KindOf(err) != fault.KindUnknown {
		return err
	}
	return fault.Wrap(fault.ErrCaptureUnavailable, err)
}
