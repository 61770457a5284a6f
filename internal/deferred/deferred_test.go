package deferred

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/plexbridge/plexbridge/internal/mpegts"
	"github.com/plexbridge/plexbridge/internal/observe"
	"github.com/plexbridge/plexbridge/internal/transcoder"
)

func testMetrics() *observe.Metrics {
	return observe.NewMetrics(prometheus.NewRegistry())
}

// syncWriter collects writes under a lock so the test can inspect the body
// while the shim goroutine runs.
type syncWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *syncWriter) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]byte, w.buf.Len())
	copy(out, w.buf.Bytes())
	return out
}

// TestServePadsImmediately checks padding begins without any supervisor
// output and stays packet-aligned.
func TestServePadsImmediately(t *testing.T) {
	w := &syncWriter{}
	shim := New(time.Hour, testMetrics())
	frames := make(chan transcoder.Frame)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- shim.Serve(ctx, w, nil, frames) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(w.Bytes()) >= 3*mpegts.PacketSize {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-errCh

	body := w.Bytes()
	if len(body) < 3*mpegts.PacketSize {
		t.Fatalf("only %d padding bytes produced", len(body))
	}
	if !mpegts.ValidStream(body[:len(body)/mpegts.PacketSize*mpegts.PacketSize]) {
		t.Fatal("padding is not a valid TS stream")
	}
	// First two packets must be the PSI pair so a fresh demuxer locks on.
	if mpegts.PID(body[:mpegts.PacketSize]) != 0 {
		t.Fatalf("first packet PID = 0x%04X, want PAT", mpegts.PID(body))
	}
	if mpegts.PID(body[mpegts.PacketSize:2*mpegts.PacketSize]) != mpegts.PMTPID {
		t.Fatal("second packet is not the PMT")
	}
	if mpegts.PID(body[2*mpegts.PacketSize:3*mpegts.PacketSize]) != mpegts.NullPID {
		t.Fatal("third packet is not null padding")
	}
}

// TestServeHandsOver verifies padding stops at the first real frame and real
// bytes follow the padding intact.
func TestServeHandsOver(t *testing.T) {
	w := &syncWriter{}
	shim := New(time.Hour, testMetrics())
	handedOver := make(chan struct{})
	shim.OnHandover = func() { close(handedOver) }

	frames := make(chan transcoder.Frame, 4)
	errCh := make(chan error, 1)
	go func() { errCh <- shim.Serve(context.Background(), w, nil, frames) }()

	// Let some padding flow first.
	time.Sleep(100 * time.Millisecond)
	real := bytes.Repeat([]byte{0x47, 0xAA}, mpegts.PacketSize/2) // 188-aligned marker payload
	frames <- transcoder.Frame{Bytes: real}
	frames <- transcoder.Frame{End: true}

	select {
	case <-handedOver:
	case <-time.After(2 * time.Second):
		t.Fatal("no handover")
	}
	if err := <-errCh; err != nil {
		t.Fatalf("serve: %v", err)
	}

	body := w.Bytes()
	idx := bytes.Index(body, real)
	if idx < 0 {
		t.Fatal("real bytes missing from body")
	}
	if idx%mpegts.PacketSize != 0 {
		t.Fatalf("handover at offset %d breaks packet alignment", idx)
	}
	if !mpegts.ValidStream(body[:idx]) {
		t.Fatal("padding prefix is not a valid TS stream")
	}
	// Everything after the handover is the real payload, nothing interleaved.
	if !bytes.Equal(body[idx:], real) {
		t.Fatal("padding continued after handover")
	}
}

// TestServeDeadlineClosesCleanly pads to the handover deadline when the
// supervisor never produces, then reports the deadline.
func TestServeDeadlineClosesCleanly(t *testing.T) {
	w := &syncWriter{}
	shim := New(150*time.Millisecond, testMetrics())
	frames := make(chan transcoder.Frame)

	err := shim.Serve(context.Background(), w, nil, frames)
	if !errors.Is(err, ErrHandoverDeadline) {
		t.Fatalf("err = %v, want ErrHandoverDeadline", err)
	}
	body := w.Bytes()
	if len(body) == 0 || len(body)%mpegts.PacketSize != 0 {
		t.Fatalf("body len %d not packet aligned", len(body))
	}
}

// TestServeSupervisorFailureKeepsPadding keeps the response warm after a
// supervisor error until the deadline.
func TestServeSupervisorFailureKeepsPadding(t *testing.T) {
	w := &syncWriter{}
	shim := New(300*time.Millisecond, testMetrics())
	frames := make(chan transcoder.Frame, 1)
	frames <- transcoder.Frame{Err: errors.New("boom")}
	close(frames)

	start := time.Now()
	err := shim.Serve(context.Background(), w, nil, frames)
	if !errors.Is(err, ErrHandoverDeadline) {
		t.Fatalf("err = %v, want ErrHandoverDeadline", err)
	}
	if took := time.Since(start); took < 250*time.Millisecond {
		t.Fatalf("closed after %v, should pad until deadline", took)
	}
	if len(w.Bytes()) == 0 {
		t.Fatal("no padding written after supervisor failure")
	}
}

// TestServeCountsBytes wires the byte callback.
func TestServeCountsBytes(t *testing.T) {
	w := &syncWriter{}
	shim := New(120*time.Millisecond, testMetrics())
	var counted int
	shim.OnBytes = func(n int) { counted += n }
	frames := make(chan transcoder.Frame)

	_ = shim.Serve(context.Background(), w, nil, frames)
	if counted != len(w.Bytes()) {
		t.Fatalf("counted %d bytes, wrote %d", counted, len(w.Bytes()))
	}
}
