// Package speedtest implements C5: a single-connection HTTPS download with
// early-stability termination, TTFB, throughput and colo-tag reporting.
// Grounded on internal/probe (teacher's probe.DownloadProber) generalized
// from a fixed "?bytes=N, discard body" shape into the full protocol in
// spec.md §4.5, plus xray-knife's manual bufio+http.ReadResponse pattern for
// reading a response off a hand-dialed TLS connection.
package speedtest

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"

	"github.com/SamNet-dev/cfray/internal/model"
)

const maxHeaderBytes = 65536

// Config is one download invocation's parameters.
type Config struct {
	Endpoint     model.Endpoint
	Size         int64 // bytes requested
	Timeout      time.Duration
	HostOverride string // SNI + Host header
	PathOverride string
	// CustomPath marks PathOverride as a caller-supplied path that must be
	// sent untouched (e.g. the fallback static-asset endpoint, which has no
	// "?bytes=N" support). When false, PathOverride names the default
	// bytes-query-capable endpoint and gets "?bytes=N" appended.
	CustomPath bool

	// Dial overrides the TCP dial step. Download's default connects a plain
	// net.Dialer to Endpoint; SubprocessTester (internal/pipeline) instead
	// supplies a SOCKS5 ContextDialer so the §4.5 protocol below runs over
	// an external proxy's local SOCKS5 port instead of a direct connection.
	Dial DialFunc
	// DialAddr, when set, is dialed verbatim instead of Endpoint's
	// host:port — needed when Dial resolves a hostname remotely (SOCKS5)
	// rather than connecting to a pre-resolved IP.
	DialAddr string
}

// DialFunc is the TCP dial step connect() delegates to.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ClampWorkers applies the "large downloads reduce worker count
// automatically" rule from §4.5.
func ClampWorkers(size int64, requested int) int {
	switch {
	case size >= 50*1024*1024:
		if requested > 6 {
			return 6
		}
	case size >= 10*1024*1024:
		if requested > 8 {
			return 8
		}
	}
	return requested
}

func minSamples(size int64) int {
	if size >= 10*1024*1024 {
		return 5
	}
	return 3
}

func minForStable(size int64) int64 {
	const cap20MB = 20 * 1024 * 1024
	if size >= 5*1024*1024 {
		half := size / 2
		if half < cap20MB {
			return half
		}
		return cap20MB
	}
	return size
}

func sampleInterval(size int64) int64 {
	if size >= 5*1024*1024 {
		return 1024 * 1024
	}
	return size
}

func overallDeadline(timeout time.Duration, size int64) time.Duration {
	computed := time.Duration(30+int64(float64(size)/1e6)*2) * time.Second
	if computed > timeout {
		return computed
	}
	return timeout
}

func connectDeadline(timeout time.Duration) time.Duration {
	if timeout < 15*time.Second {
		return timeout
	}
	return 15 * time.Second
}

// Download runs the full §4.5 protocol over one TLS connection.
func Download(ctx context.Context, cfg Config) model.SpeedResult {
	start := time.Now()
	overall := overallDeadline(cfg.Timeout, cfg.Size)
	ctx, cancel := context.WithTimeout(ctx, overall)
	defer cancel()

	conn, err := connect(ctx, cfg.Endpoint, cfg.HostOverride, connectDeadline(cfg.Timeout), cfg.Dial, cfg.DialAddr)
	if err != nil {
		return model.SpeedResult{Error: model.NewDetail(model.ErrTlsError, 0, err.Error())}
	}
	defer conn.Close()
	connectMS := time.Since(start).Milliseconds()

	path := buildPath(cfg.PathOverride, cfg.Size, cfg.CustomPath)
	if err := writeRequest(conn, cfg.HostOverride, path, cfg.Size); err != nil {
		return model.SpeedResult{ConnectMS: connectMS, Error: model.NewDetail(model.ErrTcpError, 0, err.Error())}
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		return model.SpeedResult{ConnectMS: connectMS, Error: model.NewDetail(model.ErrHttpError, 0, err.Error())}
	}
	defer resp.Body.Close()

	ttfbMS := time.Since(start).Milliseconds() - connectMS

	switch {
	case resp.StatusCode == 200 || resp.StatusCode == 206:
		// proceed
	case resp.StatusCode == 429:
		ra := parseRetryAfter(resp.Header.Get("Retry-After"))
		return model.SpeedResult{ConnectMS: connectMS, TTFBMS: ttfbMS, Error: model.NewDetail(model.ErrRateLimited, ra, "")}
	default:
		return model.SpeedResult{ConnectMS: connectMS, TTFBMS: ttfbMS, Error: model.NewDetail(model.ErrHttpError, 0, resp.Status)}
	}

	colo := extractColo(resp.Header.Get("Cf-Ray"))

	bytesRead, mbps, readErr := readBodyWithStability(resp.Body, cfg.Size)
	durMS := time.Since(start).Milliseconds()

	result := model.SpeedResult{
		ConnectMS:  connectMS,
		TTFBMS:     ttfbMS,
		Bytes:      bytesRead,
		DurationMS: durMS,
		Mbps:       mbps,
		ColoTag:    colo,
	}
	if readErr != nil && bytesRead == 0 {
		result.Error = model.NewDetail(model.ErrEof, 0, readErr.Error())
	}
	// Partial-data recovery: readErr with bytesRead>0 is reported as success.
	return result
}

// buildPath appends "?bytes=N" for the default bytes-query-capable endpoint.
// A customPath (the fallback static-asset endpoint, or any caller-supplied
// path that doesn't speak the bytes-query convention) is left untouched so
// writeRequest's Range-header branch can attach the byte bound instead.
func buildPath(path string, size int64, customPath bool) string {
	if strings.Contains(path, "bytes=") || customPath {
		return path
	}
	if strings.Contains(path, "?") {
		return fmt.Sprintf("%s&bytes=%d", path, size)
	}
	return fmt.Sprintf("%s?bytes=%d", path, size)
}

func writeRequest(conn net.Conn, host, path string, size int64) error {
	var req strings.Builder
	fmt.Fprintf(&req, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&req, "Host: %s\r\n", host)
	req.WriteString("User-Agent: Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36\r\n")
	req.WriteString("Connection: close\r\n")
	if !strings.Contains(path, "bytes=") && size > 0 {
		fmt.Fprintf(&req, "Range: bytes=0-%d\r\n", size-1)
	}
	req.WriteString("\r\n")
	_, err := conn.Write([]byte(req.String()))
	return err
}

func connect(ctx context.Context, ep model.Endpoint, sni string, timeout time.Duration, dial DialFunc, dialAddr string) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := dialAddr
	if addr == "" {
		addr = net.JoinHostPort(ep.Addr.String(), strconv.Itoa(int(ep.Port)))
	}
	if dial == nil {
		d := &net.Dialer{}
		dial = d.DialContext
	}

	raw, err := dial(dctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	// Verification first enforced; on certificate-verify failure, retry
	// once with verification disabled (§4.5 step 1).
	verifiedConn, verr := tlsHandshake(dctx, raw, sni, false)
	if verr == nil {
		return verifiedConn, nil
	}

	raw2, err := dial(dctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	insecureConn, ierr := tlsHandshake(dctx, raw2, sni, true)
	if ierr != nil {
		return nil, ierr
	}
	return insecureConn, nil
}

func tlsHandshake(ctx context.Context, conn net.Conn, sni string, insecure bool) (net.Conn, error) {
	cfg := &utls.Config{ServerName: sni, InsecureSkipVerify: insecure}
	uconn := utls.UClient(conn, cfg, utls.HelloChrome_Auto)
	if err := uconn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return uconn, nil
}

func parseRetryAfter(v string) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 30
	}
	return n
}

func extractColo(cfRay string) string {
	idx := strings.LastIndex(cfRay, "-")
	if idx < 0 || idx == len(cfRay)-1 {
		return ""
	}
	return cfRay[idx+1:]
}

// readBodyWithStability reads the body, computing a streaming mbps from
// sample pairs taken every sampleInterval bytes, stopping early once the
// sliding window of the last 4 per-interval rates is stable (stddev/mean <
// 10%) after enough samples and bytes have accumulated.
func readBodyWithStability(body interface{ Read([]byte) (int, error) }, size int64) (int64, float64, error) {
	interval := sampleInterval(size)
	if interval <= 0 {
		interval = 1024 * 1024
	}
	minS := minSamples(size)
	minBytes := minForStable(size)

	var (
		total       int64
		lastMark    int64
		start       = time.Now()
		lastSample  = start
		rates       []float64
		buf         = make([]byte, 32*1024)
		readErr     error
	)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			total += int64(n)
			if total-lastMark >= interval {
				now := time.Now()
				dt := now.Sub(lastSample).Seconds()
				if dt > 0 {
					rate := float64(total-lastMark) / dt
					rates = append(rates, rate)
					if len(rates) > 4 {
						rates = rates[len(rates)-4:]
					}
				}
				lastMark = total
				lastSample = now

				if len(rates) >= minS && total >= minBytes && isStable(rates) {
					break
				}
			}
		}
		if err != nil {
			readErr = err
			break
		}
	}

	elapsed := time.Since(start).Seconds()
	var mbps float64
	if elapsed > 0 {
		mbps = (float64(total) * 8) / elapsed / 1e6
	}
	if readErr != nil && total > 0 {
		readErr = nil // partial-data recovery: bytes received, report as success
	}
	return total, mbps, readErr
}

func isStable(rates []float64) bool {
	if len(rates) < 2 {
		return false
	}
	var sum float64
	for _, r := range rates {
		sum += r
	}
	mean := sum / float64(len(rates))
	if mean <= 0 {
		return false
	}
	var variance float64
	for _, r := range rates {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(rates))
	stddev := math.Sqrt(variance)
	return stddev/mean < 0.10
}
