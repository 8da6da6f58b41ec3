// Package protocol implements the line-oriented configuration/control
// protocol: ASCII, newline-terminated commands over a plain net.Conn.
// Full block/field/attribute type semantics are out of scope; this
// package gives the handful of command shapes the server actually
// needs a concrete, minimal home so it is drivable end-to-end.
package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/pandafabric/captured/internal/capture"
	"github.com/pandafabric/captured/internal/registry"
)

// readTimeout bounds how long ServeConn waits for a client to send its
// next command line, so a stalled client cannot pin a connection's
// goroutine forever.
const readTimeout = 30 * time.Second

// ErrorKind distinguishes a bad client command from a connection
// failure, since the two call for different handling at the caller.
type ErrorKind int

const (
	// KindCommand is a bad option, unknown name, or out-of-range
	// value: reported back to the client, never affects other state.
	KindCommand ErrorKind = iota
	// KindTransport is a socket/I/O failure: the session is closed,
	// never surfaced to other clients.
	KindTransport
)

// Error carries enough structure for a caller to tell a client-facing
// command error from a connection-ending transport failure.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func commandErrorf(format string, args ...any) *Error {
	return &Error{Kind: KindCommand, Msg: fmt.Sprintf(format, args...)}
}

// Coordinator is the subset of capture.CaptureCoordinator the control
// protocol drives.
type Coordinator interface {
	State() capture.CoordinatorState
	Arm(ctx context.Context, fields []string, sampleCount int) error
	Disarm(ctx context.Context) error
	Reset(ctx context.Context) error
}

// Handler dispatches command lines against a Registry and Coordinator:
// Dispatch handles one already-split line, and ServeConn reads lines
// from a connection and feeds them to Dispatch.
type Handler struct {
	Registry    *registry.Registry
	Coordinator Coordinator
	Buffer      *capture.Buffer
	Identity    string
}

// NewHandler builds a Handler that answers *IDN? as a PandA device.
func NewHandler(reg *registry.Registry, coord Coordinator, buf *capture.Buffer) *Handler {
	return &Handler{
		Registry:    reg,
		Coordinator: coord,
		Buffer:      buf,
		Identity:    "PandA",
	}
}

// Dispatch handles one command line and writes its response (already
// newline-terminated, possibly multi-line) to w.
func (h *Handler) Dispatch(ctx context.Context, w *bufio.Writer, line string) error {
	line = strings.TrimRight(line, "\r\n")

	switch {
	case line == "*IDN?":
		return writeOK(w, h.Identity)

	case line == "*BLOCKS?":
		return h.writeNames(w, "*")

	case line == "*CHANGES?" || strings.HasPrefix(line, "*CHANGES."):
		return h.writeChanges(w)

	case line == "*PCAP.ARM=" || line == "*PCAP.ARM":
		if err := h.Coordinator.Arm(ctx, nil, 0); err != nil {
			return writeErr(w, commandErrorf("%s", err))
		}
		return writeOK(w, "")

	case line == "*PCAP.DISARM=" || line == "*PCAP.DISARM":
		if err := h.Coordinator.Disarm(ctx); err != nil {
			return writeErr(w, commandErrorf("%s", err))
		}
		return writeOK(w, "")

	case line == "*PCAP.RESET=" || line == "*PCAP.RESET":
		if err := h.Coordinator.Reset(ctx); err != nil {
			return writeErr(w, commandErrorf("%s", err))
		}
		return writeOK(w, "")

	case line == "*CAPTURE.STATUS?":
		return h.writeCaptureStatus(w)

	case strings.HasSuffix(line, "?"):
		return h.writeFieldQuery(w, strings.TrimSuffix(line, "?"))

	case strings.HasSuffix(line, "<"):
		// Multi-line table upload needs a full block/field/attribute
		// type system; this registry doesn't have one.
		return writeErr(w, commandErrorf("table upload not supported"))

	case strings.Contains(line, "="):
		return h.writeAssignment(w, line)

	default:
		return writeErr(w, commandErrorf("unknown command"))
	}
}

// ServeConn reads and dispatches command lines from conn until the
// client disconnects, ctx is done, or a transport error occurs.
func (h *Handler) ServeConn(ctx context.Context, conn net.Conn) error {
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := readLine(ctx, conn, r, readTimeout)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := h.Dispatch(ctx, w, line); err != nil {
			return err
		}
	}
}

func (h *Handler) writeNames(w *bufio.Writer, pattern string) error {
	names, err := h.Registry.Names(pattern)
	if err != nil {
		return writeErr(w, commandErrorf("%s", err))
	}
	return writeMultiline(w, names)
}

func (h *Handler) writeChanges(w *bufio.Writer) error {
	names, _ := h.Registry.ChangedSince(0)
	return writeMultiline(w, names)
}

func (h *Handler) writeFieldQuery(w *bufio.Writer, name string) error {
	names, _ := h.Registry.Names(name)
	for _, n := range names {
		if n == name {
			return writeOK(w, "=<unset>")
		}
	}
	return writeErr(w, commandErrorf("unknown field %q", name))
}

func (h *Handler) writeAssignment(w *bufio.Writer, line string) error {
	name, _, found := strings.Cut(line, "=")
	if !found {
		return writeErr(w, commandErrorf("malformed assignment"))
	}
	names, _ := h.Registry.Names(name)
	for _, n := range names {
		if n == name {
			h.Registry.Touch(name)
			return writeOK(w, "")
		}
	}
	return writeErr(w, commandErrorf("unknown field %q", name))
}

func (h *Handler) writeCaptureStatus(w *bufio.Writer) error {
	status := h.Buffer.ReadStatus()
	state := "Idle"
	if h.Coordinator.State() == capture.Capturing {
		state = "Busy"
	}
	_, err := fmt.Fprintf(w, "OK =%s %d %t\n", state, status.ReaderCount, status.Active)
	if err != nil {
		return err
	}
	return w.Flush()
}

func writeOK(w *bufio.Writer, suffix string) error {
	if suffix == "" {
		if _, err := w.WriteString("OK\n"); err != nil {
			return err
		}
	} else {
		if _, err := fmt.Fprintf(w, "OK %s\n", suffix); err != nil {
			return err
		}
	}
	return w.Flush()
}

func writeErr(w *bufio.Writer, err *Error) error {
	if _, werr := fmt.Fprintf(w, "ERR %s\n", err.Msg); werr != nil {
		return werr
	}
	return w.Flush()
}

func writeMultiline(w *bufio.Writer, lines []string) error {
	for _, l := range lines {
		if _, err := fmt.Fprintf(w, "!%s\n", l); err != nil {
			return err
		}
	}
	if _, err := w.WriteString(".\n"); err != nil {
		return err
	}
	return w.Flush()
}

// readLine reads a single newline-terminated line with a deadline, so
// a stalled client cannot pin a goroutine forever.
func readLine(ctx context.Context, conn deadliner, r *bufio.Reader, timeout time.Duration) (string, error) {
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	}
	line, err := r.ReadString('\n')
	if errors.Is(err, io.EOF) {
		return "", io.EOF
	}
	if err != nil {
		return "", &Error{Kind: KindTransport, Msg: err.Error()}
	}
	return line, nil
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
}
