// Package session implements the per-client data-stream handler:
// parse options, wait for a capture, send a header, drain a
// capture.Reader, and report a terminal completion string.
package session

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/pandafabric/captured/internal/capture"
)

// pollInterval is the cadence at which the session polls for an
// active capture and probes socket liveness while waiting.
const pollInterval = 100 * time.Millisecond

// Coordinator is the subset of capture.CaptureCoordinator a session
// needs to learn whether a capture is underway and read its metadata.
type Coordinator interface {
	State() capture.CoordinatorState
	Info() capture.CaptureInfo
}

// DataStreamSession drains exactly one capture.Buffer to exactly one
// net.Conn, looping over successive capture requests until the client
// disconnects.
type DataStreamSession struct {
	conn  net.Conn
	buf   *capture.Buffer
	coord Coordinator
	log   *zap.SugaredLogger
}

// New creates a DataStreamSession bound to conn.
func New(conn net.Conn, buf *capture.Buffer, coord Coordinator, log *zap.SugaredLogger) *DataStreamSession {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &DataStreamSession{conn: conn, buf: buf, coord: coord, log: log}
}

// Run services requests on the session's connection until the client
// disconnects or ctx is done.
func (s *DataStreamSession) Run(ctx context.Context) error {
	r := bufio.NewReader(s.conn)

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil // client closed the connection between requests
		}

		opts, err := ParseOptions(line)
		if err != nil {
			if werr := s.writeLine(fmt.Sprintf("ERR %s", err)); werr != nil {
				return werr
			}
			continue
		}
		if werr := s.writeLine("OK"); werr != nil {
			return werr
		}

		if err := s.serveOneCapture(ctx, opts); err != nil {
			if errors.Is(err, errClientGone) {
				return nil
			}
			return err
		}
	}
}

var errClientGone = errors.New("session: client disconnected")

// serveOneCapture waits for an active capture, streams it to the
// client, and writes the terminal completion string.
func (s *DataStreamSession) serveOneCapture(ctx context.Context, opts DataOptions) error {
	if err := s.waitForCapture(ctx); err != nil {
		return err
	}

	reader, _ := s.buf.OpenReader(opts.ReadMargin)
	defer reader.Close()

	if err := s.sendHeader(opts); err != nil {
		return err
	}

	out := make([]byte, outputBufferSize(s.buf.BlockSize(), opts.Format))
	for {
		data, ok := reader.GetReadBlock()
		if !ok {
			break
		}

		encoded, err := computeOutputData(out, data, opts)
		if err != nil {
			return err
		}
		if _, err := s.conn.Write(encoded); err != nil {
			return errClientGone
		}
	}

	return s.writeLine(completionString(reader.Status()))
}

// waitForCapture polls until a capture has started or at least one
// generation has completed (so a late client can still drain
// residual blocks), interleaving short liveness probes on the socket.
// Returns errClientGone if a probe detects disconnection.
func (s *DataStreamSession) waitForCapture(ctx context.Context) error {
	for {
		status := s.buf.ReadStatus()
		if status.Active || status.CaptureCount > 0 {
			return nil
		}

		alive, err := livenessProbe(s.conn)
		if err != nil {
			s.log.Debugw("liveness probe error while waiting for capture", zap.Error(err))
		}
		if !alive {
			return errClientGone
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (s *DataStreamSession) sendHeader(opts DataOptions) error {
	info := s.coord.Info()
	var b strings.Builder
	b.WriteString("OK\n")
	fmt.Fprintf(&b, "BlockSize=%d\n", s.buf.BlockSize())
	fmt.Fprintf(&b, "Format=%s\n", opts.Format)
	if info.SampleCount > 0 {
		fmt.Fprintf(&b, "SampleCount=%d\n", info.SampleCount)
	}
	b.WriteString("\n")

	_, err := s.conn.Write([]byte(b.String()))
	if err != nil {
		return errClientGone
	}
	return nil
}

func (s *DataStreamSession) writeLine(line string) error {
	if _, err := s.conn.Write([]byte(line + "\n")); err != nil {
		return errClientGone
	}
	return nil
}

// completionString maps a reader's terminal status onto the
// client-facing completion line.
func completionString(status capture.ReaderStatus) string {
	switch status {
	case capture.StatusAllRead:
		return "OK"
	case capture.StatusOverrun:
		return "ERR Data overrun"
	case capture.StatusReset:
		return "ERR Connection reset"
	default:
		return "ERR Early disconnect"
	}
}

// outputBufferSize sizes the per-block output buffer for the chosen
// format: ascii/base64 expand the payload, binary is a straight copy.
func outputBufferSize(blockSize int, format Format) int {
	switch format {
	case FormatASCII:
		// Worst case: up to three decimal digits plus a space per
		// input byte, plus the trailing newline.
		return blockSize * 5
	case FormatBase64:
		return base64.StdEncoding.EncodedLen(blockSize)
	default:
		return blockSize
	}
}

// computeOutputData is the format/transform stage: ascii, binary, or
// base64 rendering of one block's raw bytes.
func computeOutputData(out, data []byte, opts DataOptions) ([]byte, error) {
	switch opts.Format {
	case FormatBinary:
		n := copy(out, data)
		return out[:n], nil

	case FormatBase64:
		base64.StdEncoding.Encode(out, data)
		return out[:base64.StdEncoding.EncodedLen(len(data))], nil

	case FormatASCII:
		buf := out[:0]
		for _, b := range data {
			buf = strconv.AppendInt(buf, int64(b), 10)
			buf = append(buf, ' ')
		}
		buf = append(buf, '\n')
		return buf, nil

	default:
		return nil, fmt.Errorf("session: unsupported format %q", opts.Format)
	}
}

// livenessProbe issues a non-blocking receive: a positive byte count
// or EAGAIN means "still connected" (any bytes read are discarded,
// silently consuming stray client bytes); zero bytes or any other
// error means "disconnected".
func livenessProbe(conn net.Conn) (alive bool, err error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		// Not a raw-fd-backed connection (e.g. net.Pipe in tests):
		// liveness cannot be probed this way, so assume connected.
		return true, nil
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return false, err
	}

	var scratch [256]byte
	var n int
	var recvErr error

	ctrlErr := raw.Read(func(fd uintptr) bool {
		n, _, recvErr = unix.Recvfrom(int(fd), scratch[:], unix.MSG_DONTWAIT)
		return true
	})
	if ctrlErr != nil {
		return false, ctrlErr
	}

	switch {
	case errors.Is(recvErr, unix.EAGAIN), errors.Is(recvErr, unix.EWOULDBLOCK):
		return true, nil
	case recvErr != nil:
		return false, recvErr
	case n > 0:
		return true, nil
	default:
		return false, nil
	}
}
