package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// CoordinatorState is one of the three states in the arm/disarm/drain
// state machine.
type CoordinatorState int

const (
	Idle CoordinatorState = iota
	Armed
	Capturing
)

func (s CoordinatorState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Armed:
		return "Armed"
	case Capturing:
		return "Capturing"
	default:
		return fmt.Sprintf("CoordinatorState(%d)", int(s))
	}
}

// ErrBusyCapture is returned by Arm when a capture is already running.
var ErrBusyCapture = errors.New("capture: already capturing")

// ErrClientsActive is returned by Arm when readers from a previous
// generation are still attached.
var ErrClientsActive = errors.New("capture: clients still attached to previous generation")

// Hardware is the subset of internal/hw.Hardware the coordinator
// needs; declared locally so this package does not import hw, keeping
// the domain core independent of any particular collaborator
// implementation.
type Hardware interface {
	Arm(ctx context.Context) error
	Disarm(ctx context.Context) error
	ReadStreamed(ctx context.Context, dst []byte) (int, error)
}

// CaptureInfo is the metadata a client's data-stream header needs.
type CaptureInfo struct {
	BlockSize   int
	SampleCount int
	FieldList   []string
	ArmedAt     time.Time
}

// CaptureCoordinator is the explicit, server-owned state machine
// linking hardware arm/disarm to the buffer's start_write/end_write;
// there are no package-level globals, so a process can own more than
// one independently.
type CaptureCoordinator struct {
	buf *Buffer
	hw  Hardware
	log *zap.SugaredLogger

	mu    sync.Mutex
	state CoordinatorState
	info  CaptureInfo

	drainDone chan struct{}
}

// NewCoordinator wires a CaptureCoordinator over an existing Buffer
// and Hardware collaborator.
func NewCoordinator(buf *Buffer, hardware Hardware, log *zap.SugaredLogger) *CaptureCoordinator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &CaptureCoordinator{
		buf:   buf,
		hw:    hardware,
		log:   log,
		state: Idle,
	}
}

// State returns the coordinator's current state.
func (c *CaptureCoordinator) State() CoordinatorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns the metadata for the capture currently armed or in
// progress.
func (c *CaptureCoordinator) Info() CaptureInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// Arm transitions Idle -> Armed, arms the hardware, then moves to
// Capturing, starts the buffer's write and starts the drain loop in
// the background. Fails with ErrBusyCapture if not Idle, or
// ErrClientsActive if readers from a previous generation have not
// yet closed.
func (c *CaptureCoordinator) Arm(ctx context.Context, fields []string, sampleCount int) error {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return ErrBusyCapture
	}
	if status := c.buf.ReadStatus(); status.ReaderCount > 0 {
		c.mu.Unlock()
		return ErrClientsActive
	}

	c.state = Armed
	c.info = CaptureInfo{
		BlockSize:   c.buf.BlockSize(),
		SampleCount: sampleCount,
		FieldList:   fields,
		ArmedAt:     timeNow(),
	}
	c.drainDone = make(chan struct{})
	c.mu.Unlock()

	if err := c.hw.Arm(ctx); err != nil {
		c.mu.Lock()
		c.state = Idle
		c.mu.Unlock()
		return fmt.Errorf("capture: hardware arm failed: %w", err)
	}

	c.mu.Lock()
	c.state = Capturing
	c.mu.Unlock()
	c.buf.StartWrite()

	go c.drain(ctx)

	return nil
}

// Disarm stops the hardware; the buffer drains naturally as the drain
// loop observes io.EOF from the next read and ends the capture itself.
func (c *CaptureCoordinator) Disarm(ctx context.Context) error {
	return c.hw.Disarm(ctx)
}

// Reset disarms the hardware and resets the buffer, stranding any
// attached readers into the Reset terminal status.
func (c *CaptureCoordinator) Reset(ctx context.Context) error {
	if err := c.hw.Disarm(ctx); err != nil {
		c.log.Warnw("hardware disarm failed during reset", zap.Error(err))
	}

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state == Capturing {
		<-c.drainDone
	}

	c.buf.Reset()

	c.mu.Lock()
	c.state = Idle
	c.mu.Unlock()

	return nil
}

// drain is the coordinator's single internal worker: it reserves a
// write block, polls Hardware.ReadStreamed into it in short slices so
// shutdown stays responsive, and releases the block with the actual
// byte count. It exits on EOF or context cancellation.
func (c *CaptureCoordinator) drain(ctx context.Context) {
	defer close(c.drainDone)
	defer func() {
		c.mu.Lock()
		c.state = Idle
		c.mu.Unlock()
		c.buf.EndWrite()
	}()

	bo := backoff.ExponentialBackOff{
		InitialInterval:     10 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         100 * time.Millisecond,
	}
	bo.Reset()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		block := c.buf.GetWriteBlock()

		for {
			n, err := c.hw.ReadStreamed(ctx, block)

			if n > 0 {
				c.buf.ReleaseWriteBlock(n)
				bo.Reset()
				if errors.Is(err, io.EOF) {
					return
				}
				if err != nil && !errors.Is(err, context.Canceled) {
					c.log.Warnw("hardware read error, ending capture", zap.Error(err))
					return
				}
				break // next block
			}

			// n == 0: nothing filled this round. Abandon rather than
			// publish, since release_write_block requires n > 0.
			if errors.Is(err, io.EOF) {
				c.buf.abandonWriteBlock()
				return
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				c.log.Warnw("hardware read error, ending capture", zap.Error(err))
				c.buf.abandonWriteBlock()
				return
			}

			wait, bErr := bo.NextBackOff()
			if bErr != nil {
				wait = bo.MaxInterval
			}
			select {
			case <-ctx.Done():
				c.buf.abandonWriteBlock()
				return
			case <-time.After(wait):
			}
		}
	}
}

// timeNow is a seam so tests can stub the clock if ever needed; kept
// as a plain function rather than a field to avoid over-engineering a
// single call site.
func timeNow() time.Time { return time.Now() }
