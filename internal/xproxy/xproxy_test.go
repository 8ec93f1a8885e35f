package xproxy

import (
	"bytes"
	"context"
	"net"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitForPort_SucceedsOnceListenerOpens(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, waitForPort(ctx, port))
}

func TestWaitForPort_TimesOutWhenNothingListens(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := waitForPort(ctx, 1) // privileged/unused port, nothing listens
	require.Error(t, err)
}

func TestTailWriter_BoundsToLimit(t *testing.T) {
	var mu sync.Mutex
	buf := &bytes.Buffer{}
	w := &tailWriter{buf: buf, mu: &mu, limit: 10}

	_, err := w.Write([]byte("0123456789abcdefghij")) // 20 bytes, limit 10
	require.NoError(t, err)
	require.Equal(t, "abcdefghij", buf.String())
}

func TestStart_FailsWhenSocksPortNeverOpens(t *testing.T) {
	spec := Spec{BinaryPath: "sleep", Args: []string{"1"}, SocksPort: freePort(t)}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := Start(ctx, spec)
	require.Error(t, err)
}

func TestHandle_StopIsSafeOnNilAndUnstarted(t *testing.T) {
	var h *Handle
	h.Stop() // must not panic

	h2 := &Handle{}
	h2.Stop() // no process, must not panic
}

func TestHandle_StopTerminatesRunningProcess(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	h := &Handle{cmd: cmd}

	done := make(chan struct{})
	go func() {
		h.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return in time")
	}
}

func freePort(t *testing.T) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}
