package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SamNet-dev/cfray/internal/model"
)

func endpointFromURL(t *testing.T, rawHostPort string) model.Endpoint {
	t.Helper()
	host, portStr, err := net.SplitHostPort(rawHostPort)
	require.NoError(t, err)
	addr, err := netip.ParseAddr(host)
	require.NoError(t, err)
	var port int
	_, err = fmtSscan(portStr, &port)
	require.NoError(t, err)
	return model.Endpoint{Addr: addr, Port: uint16(port)}
}

func fmtSscan(s string, out *int) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	*out = n
	return 1, nil
}

func TestTLSProbe_CloudflareMarker(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "cloudflare")
		w.Header().Set("CF-RAY", "abc123-SJC")
		w.WriteHeader(200)
	}))
	defer srv.Close()

	u := srv.Listener.Addr().String()
	ep := endpointFromURL(t, u)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	res := TLSProbe(ctx, ep, "example.com", 3*time.Second, true)
	require.True(t, res.Alive())
	require.True(t, res.IsProvider)
	require.True(t, res.Error.IsZero())
}

func TestTLSProbe_NoValidation(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer srv.Close()

	ep := endpointFromURL(t, srv.Listener.Addr().String())
	res := TLSProbe(context.Background(), ep, "example.com", 3*time.Second, false)
	require.True(t, res.Alive())
	require.False(t, res.IsProvider)
}

func TestTLSProbe_ConnectFailure(t *testing.T) {
	ep := model.Endpoint{Addr: netip.MustParseAddr("127.0.0.1"), Port: 1}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	res := TLSProbe(ctx, ep, "example.com", 300*time.Millisecond, true)
	require.False(t, res.Alive())
	require.False(t, res.Error.IsZero())
}

func TestTCPProbe_Success(t *testing.T) {
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

	ep := endpointFromURL(t, ln.Addr().String())
	res := TCPProbe(context.Background(), ep, "example.com", time.Second)
	require.GreaterOrEqual(t, res.TCPMS, int64(0))
	// The TLS leg will fail since this listener doesn't speak TLS; that's expected.
	require.Equal(t, int64(-1), res.TLSMS)
}
