package protocol

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandafabric/captured/internal/capture"
	"github.com/pandafabric/captured/internal/registry"
)

type fakeCoordinator struct {
	state   capture.CoordinatorState
	armErr  error
	armed   bool
	reset   bool
	disarm  bool
	fields  []string
	samples int
}

func (f *fakeCoordinator) State() capture.CoordinatorState { return f.state }

func (f *fakeCoordinator) Arm(ctx context.Context, fields []string, sampleCount int) error {
	if f.armErr != nil {
		return f.armErr
	}
	f.armed = true
	f.fields = fields
	f.samples = sampleCount
	return nil
}

func (f *fakeCoordinator) Disarm(ctx context.Context) error {
	f.disarm = true
	return nil
}

func (f *fakeCoordinator) Reset(ctx context.Context) error {
	f.reset = true
	return nil
}

func dispatch(t *testing.T, h *Handler, line string) string {
	t.Helper()
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, h.Dispatch(context.Background(), w, line))
	return buf.String()
}

func TestHandler_Identity(t *testing.T) {
	h := NewHandler(registry.New(), &fakeCoordinator{}, capture.New(16, 4))
	assert.Equal(t, "OK PandA\n", dispatch(t, h, "*IDN?"))
}

func TestHandler_BlocksListsRegisteredNames(t *testing.T) {
	reg := registry.New()
	reg.Register(registry.Field{Name: "PCAP.BLOCK0.DATA"})
	h := NewHandler(reg, &fakeCoordinator{}, capture.New(16, 4))

	out := dispatch(t, h, "*BLOCKS?")
	assert.Equal(t, "!PCAP.BLOCK0.DATA\n.\n", out)
}

func TestHandler_ArmDelegatesToCoordinator(t *testing.T) {
	coord := &fakeCoordinator{}
	h := NewHandler(registry.New(), coord, capture.New(16, 4))

	out := dispatch(t, h, "*PCAP.ARM=")
	assert.Equal(t, "OK\n", out)
	assert.True(t, coord.armed)
}

func TestHandler_ArmFailurePropagatesAsCommandError(t *testing.T) {
	coord := &fakeCoordinator{armErr: capture.ErrBusyCapture}
	h := NewHandler(registry.New(), coord, capture.New(16, 4))

	out := dispatch(t, h, "*PCAP.ARM=")
	assert.Equal(t, "ERR capture: already capturing\n", out)
}

func TestHandler_UnknownFieldQueryIsCommandError(t *testing.T) {
	h := NewHandler(registry.New(), &fakeCoordinator{}, capture.New(16, 4))
	out := dispatch(t, h, "UNKNOWN.FIELD?")
	assert.Contains(t, out, "ERR")
}

func TestHandler_AssignmentToKnownFieldSucceeds(t *testing.T) {
	reg := registry.New()
	reg.Register(registry.Field{Name: "PCAP.ENABLE"})
	h := NewHandler(reg, &fakeCoordinator{}, capture.New(16, 4))

	out := dispatch(t, h, "PCAP.ENABLE=1")
	assert.Equal(t, "OK\n", out)
}

func TestHandler_CaptureStatusReportsBufferState(t *testing.T) {
	h := NewHandler(registry.New(), &fakeCoordinator{state: capture.Idle}, capture.New(16, 4))
	out := dispatch(t, h, "*CAPTURE.STATUS?")
	assert.Equal(t, "OK =Idle 0 false\n", out)
}

func TestHandler_UnknownCommandIsCommandError(t *testing.T) {
	h := NewHandler(registry.New(), &fakeCoordinator{}, capture.New(16, 4))
	out := dispatch(t, h, "garbage")
	assert.Equal(t, "ERR unknown command\n", out)
}

func TestHandler_ServeConnHandlesMultipleLinesThenEOF(t *testing.T) {
	h := NewHandler(registry.New(), &fakeCoordinator{}, capture.New(16, 4))

	client, server := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- h.ServeConn(context.Background(), server) }()

	_, err := client.Write([]byte("*IDN?\n"))
	require.NoError(t, err)

	r := bufio.NewReader(client)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "OK PandA\n", line)

	client.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ServeConn did not return after client close")
	}
}
