package enroll

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/vaani/internal/prefs"
	"github.com/MrWong99/vaani/pkg/audio"
	"github.com/MrWong99/vaani/pkg/audio/mock"
	"github.com/MrWong99/vaani/pkg/fault"
)

var testFormat = audio.Format{SampleRate: 16000, Channels: 1}

// silence returns an f32le packet of n frames.
func silence(n int) []byte {
	b := make([]byte, n*4)
	for i := range n {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(0))
	}
	return b
}

// liveSource hands out a new held stream with the given packets per Open.
func liveSource(packets ...[]byte) *mock.Source {
	return &mock.Source{NewStream: func() audio.Stream {
		return &mock.Stream{FormatResult: testFormat, Packets: packets, Hold: true}
	}}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newProtocol(t *testing.T, src audio.Source, enrolled bool, mutate ...func(*Config)) (*Protocol, *prefs.MemStore) {
	t.Helper()
	marker := prefs.NewMemStore()
	if enrolled {
		_ = marker.MarkEnrolled(context.Background(), "user@fp")
	}
	cfg := Config{
		Source:  src,
		Decoder: audio.Float32LE,
		Marker:  marker,
		Key:     "user@fp",
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return New(cfg), marker
}

func record(t *testing.T, p *Protocol) Status {
	t.Helper()
	ctx := context.Background()
	if _, err := p.Start(ctx, "my voice is my password"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st, err := p.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	return st
}

func TestProtocol_SingleSample(t *testing.T) {
	t.Parallel()
	p, _ := newProtocol(t, liveSource(silence(1600)), true)

	st := record(t, p)
	if st.State != StateReady || st.Phase != PhaseReady {
		t.Fatalf("status = %+v, want ready", st)
	}
	if st.TwoSample {
		t.Error("enrolled device should record a single sample")
	}
	s, ok := p.ReadySample()
	if !ok {
		t.Fatal("ReadySample: none")
	}
	if s.Duration() != 100*time.Millisecond {
		t.Errorf("duration = %v, want 100ms", s.Duration())
	}
}

func TestProtocol_TwoSample(t *testing.T) {
	t.Parallel()
	p, _ := newProtocol(t, liveSource(silence(3200)), false)

	st := record(t, p)
	if st.State != StateCaptured || st.Phase != PhaseAwaitingConfirmation {
		t.Fatalf("after first = %+v, want captured/awaiting-confirmation", st)
	}
	if st.FirstDuration != 200*time.Millisecond {
		t.Errorf("FirstDuration = %v", st.FirstDuration)
	}
	if _, ok := p.ReadySample(); ok {
		t.Fatal("first sample must not be ready to submit")
	}

	if _, err := p.Start(context.Background(), ""); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	p.mu.Lock()
	firstKept := !p.attempt.first.IsZero()
	p.mu.Unlock()
	if firstKept {
		t.Error("first sample audio retained after confirmation started")
	}

	st, err := p.Stop(context.Background())
	if err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if st.State != StateReady || st.FirstDuration != 200*time.Millisecond {
		t.Fatalf("after second = %+v", st)
	}
}

func TestProtocol_StartInvalidatesReadySample(t *testing.T) {
	t.Parallel()
	p, _ := newProtocol(t, liveSource(silence(160)), true)
	record(t, p)

	if _, err := p.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, ok := p.ReadySample(); ok {
		t.Fatal("ready sample survived a new Start")
	}
	p.Cancel()
}

func TestProtocol_StartWhileRecording(t *testing.T) {
	t.Parallel()
	p, _ := newProtocol(t, liveSource(), true)
	ctx := context.Background()
	if _, err := p.Start(ctx, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Cancel()
	if _, err := p.Start(ctx, ""); !errors.Is(err, fault.ErrInvalidState) {
		t.Fatalf("second Start = %v, want ErrInvalidState", err)
	}
}

func TestProtocol_Cancel(t *testing.T) {
	t.Parallel()
	stream := &mock.Stream{FormatResult: testFormat, Packets: [][]byte{silence(160)}, Hold: true}
	p, _ := newProtocol(t, &mock.Source{OpenResult: stream}, true)

	if _, err := p.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st := p.Cancel()
	if st.State != StateIdle {
		t.Fatalf("state = %s, want idle", st.State)
	}
	if !stream.Closed() {
		t.Error("cancel did not release the device")
	}
	if _, ok := p.ReadySample(); ok {
		t.Error("cancelled recording produced a sample")
	}
}

func TestProtocol_HardTimeout(t *testing.T) {
	t.Parallel()
	p, _ := newProtocol(t, liveSource(silence(160)), true, func(c *Config) {
		c.MaxDuration = 20 * time.Millisecond
	})
	if _, err := p.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.Status().State != StateReady {
		if time.Now().After(deadline) {
			t.Fatalf("recording not auto-stopped, state = %s", p.Status().State)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A later Stop converges on the same result.
	if _, err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop after timeout: %v", err)
	}
}

func TestProtocol_StaleTimerIgnored(t *testing.T) {
	t.Parallel()
	p, _ := newProtocol(t, liveSource(silence(160)), true)
	ctx := context.Background()

	if _, err := p.Start(ctx, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.mu.Lock()
	staleGen := p.gen
	p.mu.Unlock()
	if _, err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := p.Start(ctx, ""); err != nil {
		t.Fatalf("restart: %v", err)
	}

	p.onTimeout(staleGen)
	if st := p.Status().State; st != StateRecording {
		t.Fatalf("stale timer changed state to %s", st)
	}
	p.Cancel()
}

func TestProtocol_EmptyCapture(t *testing.T) {
	t.Parallel()
	p, _ := newProtocol(t, liveSource(), true)
	ctx := context.Background()
	if _, err := p.Start(ctx, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st, err := p.Stop(ctx)
	if !errors.Is(err, fault.ErrNoSampleCaptured) {
		t.Fatalf("Stop = %v, want ErrNoSampleCaptured", err)
	}
	if st.State != StateIdle {
		t.Errorf("state = %s, want idle", st.State)
	}
}

func TestProtocol_CaptureUnavailable(t *testing.T) {
	t.Parallel()
	p, _ := newProtocol(t, &mock.Source{OpenError: errors.New("permission denied")}, true)

	st, err := p.Start(context.Background(), "")
	if !errors.Is(err, fault.ErrCaptureUnavailable) {
		t.Fatalf("Start = %v, want ErrCaptureUnavailable", err)
	}
	if fault.KindOf(err) != fault.KindDevice {
		t.Errorf("kind = %v, want device", fault.KindOf(err))
	}
	if st.State != StateIdle {
		t.Errorf("state = %s, want idle", st.State)
	}
}

func TestProtocol_ResetFlushesMarker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, marker := newProtocol(t, liveSource(silence(160)), true)
	record(t, p)

	if err := p.Reset(ctx, true); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, ok := p.ReadySample(); ok {
		t.Error("sample survived Reset")
	}
	if ok, _ := marker.IsEnrolled(ctx, "user@fp"); ok {
		t.Error("marker survived flush")
	}

	// Next attempt is a first-time enrollment.
	st := record(t, p)
	if !st.TwoSample || st.Phase != PhaseAwaitingConfirmation {
		t.Errorf("after flush = %+v, want two-sample mode", st)
	}
}

func TestProtocol_ResetKeepsMarker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, marker := newProtocol(t, liveSource(silence(160)), true)
	record(t, p)
	if err := p.Reset(ctx, false); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if ok, _ := marker.IsEnrolled(ctx, "user@fp"); !ok {
		t.Error("marker cleared without flush")
	}
}

func TestProtocol_SampleExpires(t *testing.T) {
	t.Parallel()
	clk := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	p, _ := newProtocol(t, liveSource(silence(160)), true, func(c *Config) {
		c.Now = clk.now
		c.SampleTTL = time.Minute
	})
	record(t, p)

	clk.advance(59 * time.Second)
	if _, ok := p.ReadySample(); !ok {
		t.Fatal("sample expired early")
	}
	clk.advance(time.Second)
	if _, ok := p.ReadySample(); ok {
		t.Fatal("sample still ready after TTL")
	}
	if ph := p.Status().Phase; ph != PhaseExpired {
		t.Errorf("phase = %s, want expired", ph)
	}
}

func TestProtocol_Complete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, marker := newProtocol(t, liveSource(silence(160)), false)
	record(t, p)
	record(t, p)

	if err := p.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if ok, _ := marker.IsEnrolled(ctx, "user@fp"); !ok {
		t.Error("Complete did not set the marker")
	}
	if st := p.Status(); st.State != StateIdle || st.Phase != PhaseAwaitingFirst {
		t.Errorf("status after Complete = %+v", st)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		s    State
		want string
	}{
		{StateIdle, "idle"},
		{StateRecording, "recording"},
		{StateProcessing, "processing"},
		{StateCaptured, "captured"},
		{StateReady, "ready"},
		{State(42), "State(42)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
