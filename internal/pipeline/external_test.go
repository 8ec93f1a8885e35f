package pipeline

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SamNet-dev/cfray/internal/model"
)

// fakeSocks5 starts a minimal no-auth SOCKS5 CONNECT server that ignores the
// requested address and always tunnels to target, so SubprocessTester.Test
// can be exercised end to end (SOCKS5 dial → TLS handshake → §4.5 download)
// without a real proxy binary or a real Cloudflare endpoint.
func fakeSocks5(t *testing.T, target string) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSocks5Conn(c, target)
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port
}

func serveSocks5Conn(c net.Conn, target string) {
	defer c.Close()
	br := bufio.NewReader(c)

	greeting := make([]byte, 2)
	if _, err := io.ReadFull(br, greeting); err != nil {
		return
	}
	if _, err := io.ReadFull(br, make([]byte, greeting[1])); err != nil {
		return
	}
	if _, err := c.Write([]byte{0x05, 0x00}); err != nil { // no auth required
		return
	}

	req := make([]byte, 4)
	if _, err := io.ReadFull(br, req); err != nil {
		return
	}
	switch req[3] {
	case 0x01: // IPv4 addr + port
		if _, err := io.ReadFull(br, make([]byte, 4+2)); err != nil {
			return
		}
	case 0x03: // domain length-prefixed + port
		l := make([]byte, 1)
		if _, err := io.ReadFull(br, l); err != nil {
			return
		}
		if _, err := io.ReadFull(br, make([]byte, int(l[0])+2)); err != nil {
			return
		}
	case 0x04: // IPv6 addr + port
		if _, err := io.ReadFull(br, make([]byte, 16+2)); err != nil {
			return
		}
	default:
		return
	}

	if _, err := c.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}); err != nil {
		return
	}

	upstream, err := net.Dial("tcp", target)
	if err != nil {
		return
	}
	defer upstream.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(upstream, br); done <- struct{}{} }()
	go func() { io.Copy(c, upstream); done <- struct{}{} }()
	<-done
}

func TestSubprocessTester_Test_RunsSocks5WrappedDownload(t *testing.T) {
	body := make([]byte, 48*1024)
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cf-Ray", "8899aabbcc-ORD")
		w.WriteHeader(200)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	socksPort := fakeSocks5(t, srv.Listener.Addr().String())

	tester := &SubprocessTester{
		BinaryPath: "sleep",
		ConfigBuild: func(v model.Variation, port int) ([]string, func()) {
			return []string{"30"}, nil
		},
		basePort: socksPort,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connectMS, _, mbps, detail := tester.Test(ctx, model.Variation{}, "example.com", "/__down", false, int64(len(body)), 5*time.Second)

	require.True(t, detail.IsZero(), "unexpected error: %+v", detail)
	require.GreaterOrEqual(t, connectMS, int64(0))
	require.Greater(t, mbps, 0.0)
}

func TestSubprocessTester_Test_SurfacesSubprocessStartFailure(t *testing.T) {
	tester := &SubprocessTester{
		BinaryPath: "sleep",
		ConfigBuild: func(v model.Variation, port int) ([]string, func()) {
			return []string{"30"}, nil
		},
		basePort: freePort(t),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, _, _, detail := tester.Test(ctx, model.Variation{}, "example.com", "/__down", false, 1024, 200*time.Millisecond)
	require.Equal(t, model.ErrSubprocessStart, detail.Kind)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}
