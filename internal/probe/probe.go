// Package probe implements C2, the two probe shapes workers issue: a
// TCP-only probe and a TLS+HTTP validating probe. Grounded on
// af6acec4_auucnn-cf-edgescout's Prober.Probe (TCP-then-TLS dial shape,
// socket release on every exit path) and xray-knife's uTLS dialing for a
// realistic ClientHello even with verification disabled.
package probe

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"

	"github.com/SamNet-dev/cfray/internal/model"
)

// helloID is the uTLS fingerprint used for every probe dial, matching
// xray-knife's BypassJA3Transport default.
var helloID = utls.HelloChrome_Auto

func dialer(timeout time.Duration) *net.Dialer {
	return &net.Dialer{Timeout: timeout}
}

// TCPProbeResult is the tcp_probe return shape from §4.2.
type TCPProbeResult struct {
	TCPMS int64
	TLSMS int64
	Error model.Detail
}

// TCPProbe opens a plain TCP connection (recording tcp_ms), closes it, then
// reopens with TLS using sni (verification disabled) and records tls_ms
// inclusive of TCP+TLS. Every exit path releases its socket.
func TCPProbe(ctx context.Context, ep model.Endpoint, sni string, timeout time.Duration) TCPProbeResult {
	addr := net.JoinHostPort(ep.Addr.String(), portStr(ep.Port))
	d := dialer(timeout)

	t0 := time.Now()
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return TCPProbeResult{TCPMS: -1, TLSMS: -1, Error: classifyDialErr(err, model.ErrTcpTimeout, model.ErrTcpError)}
	}
	tcpMS := time.Since(t0).Milliseconds()
	_ = conn.Close()

	t1 := time.Now()
	tconn, err := dialTLSInsecure(ctx, d, addr, sni, timeout)
	if err != nil {
		return TCPProbeResult{TCPMS: tcpMS, TLSMS: -1, Error: classifyDialErr(err, model.ErrTlsTimeout, model.ErrTlsError)}
	}
	tlsMS := time.Since(t1).Milliseconds()
	_ = tconn.Close()

	return TCPProbeResult{TCPMS: tcpMS, TLSMS: tlsMS, Error: model.Detail{}}
}

// TLSProbe implements tls_probe: TLS connect with SNI (verification
// disabled); on success, optionally issues one HTTP/1.1 GET / over the TLS
// stream and classifies the response as provider-origin or not.
func TLSProbe(ctx context.Context, ep model.Endpoint, sni string, timeout time.Duration, validate bool) model.ProbeResult {
	addr := net.JoinHostPort(ep.Addr.String(), portStr(ep.Port))
	d := dialer(timeout)

	t0 := time.Now()
	conn, err := dialTLSInsecure(ctx, d, addr, sni, timeout)
	if err != nil {
		return model.ProbeResult{LatencyMS: -1, Error: classifyDialErr(err, model.ErrTlsTimeout, model.ErrTlsError)}
	}
	defer conn.Close()
	latencyMS := time.Since(t0).Milliseconds()

	result := model.ProbeResult{LatencyMS: latencyMS}
	if !validate {
		return result
	}

	hdrTimeout := timeout
	if hdrTimeout > 3*time.Second {
		hdrTimeout = 3 * time.Second
	}
	_ = conn.SetDeadline(time.Now().Add(hdrTimeout))

	if err := writeSimpleGET(conn, sni); err != nil {
		// The edge answered the TLS handshake; a write failure here is not
		// a connection failure, just "validation didn't complete".
		return result
	}

	headers, statusCode, err := readHeadersCapped(conn, 2048)
	if err != nil {
		return result
	}

	lower := strings.ToLower(headers)
	isProvider := strings.Contains(lower, "server: cloudflare") || strings.Contains(lower, "cf-ray:")
	result.IsProvider = isProvider

	if isProvider && statusCode >= 400 {
		result.Error = model.NewDetail(model.ErrCfOrigin, statusCode, "")
	}
	return result
}

func writeSimpleGET(w interface{ Write([]byte) (int, error) }, sni string) error {
	req := "GET / HTTP/1.1\r\nHost: " + sni + "\r\nConnection: close\r\n\r\n"
	_, err := w.Write([]byte(req))
	return err
}

// readHeadersCapped reads up to maxBytes looking for the header terminator;
// returns the raw header text and the parsed status code.
func readHeadersCapped(conn net.Conn, maxBytes int) (string, int, error) {
	r := bufio.NewReaderSize(conn, maxBytes)
	buf := make([]byte, 0, maxBytes)
	tmp := make([]byte, 512)
	for len(buf) < maxBytes {
		n, err := r.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
				buf = buf[:idx]
				break
			}
		}
		if err != nil {
			if len(buf) == 0 {
				return "", 0, err
			}
			break
		}
	}
	status := 0
	if line, _, ok := bytes.Cut(buf, []byte("\r\n")); ok {
		status = parseStatusLine(string(line))
	}
	return string(buf), status, nil
}

func parseStatusLine(line string) int {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return 0
	}
	code := 0
	for _, c := range parts[1] {
		if c < '0' || c > '9' {
			return 0
		}
		code = code*10 + int(c-'0')
	}
	return code
}

func dialTLSInsecure(ctx context.Context, d *net.Dialer, addr, sni string, timeout time.Duration) (net.Conn, error) {
	rawConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	_ = rawConn.SetDeadline(time.Now().Add(timeout))

	cfg := &utls.Config{
		ServerName:         sni,
		InsecureSkipVerify: true,
	}
	uconn := utls.UClient(rawConn, cfg, helloID)
	if err := uconn.HandshakeContext(ctx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return uconn, nil
}

func classifyDialErr(err error, timeoutKind, otherKind model.ErrorKind) model.Detail {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.NewDetail(timeoutKind, 0, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewDetail(timeoutKind, 0, err.Error())
	}
	return model.NewDetail(otherKind, 0, err.Error())
}

func portStr(p uint16) string {
	return strconv.Itoa(int(p))
}
