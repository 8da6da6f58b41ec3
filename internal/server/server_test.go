package server

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandafabric/captured/internal/config"
	"github.com/pandafabric/captured/internal/hw"
)

func TestServer_ControlListenerAnswersIDN(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ControlListen = "127.0.0.1:0"
	cfg.DataListen = "127.0.0.1:0"
	cfg.Buffer.BlockCount = 2

	srv := New(cfg, hw.NewSimulated(1), nil)

	// Run against ephemeral ports directly rather than Run's fixed
	// config addresses, so the test never collides with a real port.
	controlLn, err := net.Listen("tcp", cfg.ControlListen)
	require.NoError(t, err)
	defer controlLn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- acceptLoop(ctx, controlLn, srv.log, func(conn net.Conn) {
			_ = srv.handle.ServeConn(ctx, conn)
		})
	}()

	conn, err := net.Dial("tcp", controlLn.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("*IDN?\n"))
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "OK PandA\n", line)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("accept loop did not stop")
	}
}
