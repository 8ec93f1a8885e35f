// Package tunnel implements C7: a native VLESS-over-WebSocket reachability
// probe over a single hand-rolled socket, with no external proxy process.
// Grounded on spec.md §4.7 for the wire protocol and on cloudflared's
// proxy package (other_examples/20291c23_cloudflare-cloudflared__proxy-*)
// for the pattern of driving a gorilla/websocket connection over a manually
// dialed net.Conn rather than websocket.Dialer's own dial step.
package tunnel

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	utls "github.com/refraction-networking/utls"

	"github.com/SamNet-dev/cfray/internal/model"
)

const (
	traceOrigin     = "cp.cloudflare.com"
	traceOriginPort = 80
	innerReachBytes = 50 // "small byte threshold" from §4.7 step 6
)

// Params is one invocation of probe_tunnel (§4.7).
type Params struct {
	Endpoint model.Endpoint
	SNI      string
	Host     string
	WSPath   string
	UUID     uuid.UUID
	Security model.Security
	Timeout  time.Duration
}

// Result is the outcome of a tunnel probe.
type Result struct {
	ConnectMS int64
	TTFBMS    int64
	Mbps      float64
	Error     model.Detail
}

// Probe runs the full §4.7 single-socket protocol: outer TLS/TCP connect,
// WS upgrade, one masked VLESS request frame, an incremental WS frame
// read loop, VLESS response stripping, and inner HTTP response parsing.
func Probe(ctx context.Context, p Params) Result {
	start := time.Now()

	conn, err := dialOuter(ctx, p)
	if err != nil {
		return Result{Error: model.NewDetail(model.ErrTunnelTimeout, 0, err.Error())}
	}
	defer conn.Close()
	connectMS := time.Since(start).Milliseconds()

	leftover, err := wsUpgrade(conn, p.Host, p.WSPath, p.Timeout)
	if err != nil {
		return Result{ConnectMS: connectMS, Error: err.(model.Detail)}
	}

	frame, err := buildVlessFrame(p.UUID)
	if err != nil {
		return Result{ConnectMS: connectMS, Error: model.NewDetail(model.ErrVlessBad, 0, err.Error())}
	}
	masked, err := maskedBinaryFrame(frame)
	if err != nil {
		return Result{ConnectMS: connectMS, Error: model.NewDetail(model.ErrVlessBad, 0, err.Error())}
	}
	if _, err := conn.Write(masked); err != nil {
		return Result{ConnectMS: connectMS, Error: model.NewDetail(model.ErrTunnelEof, 0, err.Error())}
	}

	r := &frameReader{br: bufio.NewReader(io.MultiReader(bytes.NewReader(leftover), conn))}
	stream, wsErr := r.readStream()
	if wsErr != nil {
		return Result{ConnectMS: connectMS, Error: *wsErr}
	}

	body, err := stripVlessHeader(stream)
	if err != nil {
		return Result{ConnectMS: connectMS, Error: model.NewDetail(model.ErrVlessBad, 0, err.Error())}
	}

	status, headerLen, err := peekHTTPStatus(body, r)
	if err != nil {
		return Result{ConnectMS: connectMS, Error: model.NewDetail(model.ErrWsHdrTimeout, 0, err.Error())}
	}
	if status != 200 && status != 204 {
		return Result{ConnectMS: connectMS, Error: model.NewDetail(model.ErrProbeHttpStatus, status, "")}
	}
	ttfbMS := time.Since(start).Milliseconds() - connectMS

	bodyBytes := countReachBytes(body[headerLen:], r, innerReachBytes)
	elapsed := time.Since(start).Seconds()
	mbps := 0.001
	if elapsed > 0 {
		computed := (float64(bodyBytes) * 8) / elapsed / 1e6
		if computed > mbps {
			mbps = computed
		}
	}

	return Result{ConnectMS: connectMS, TTFBMS: ttfbMS, Mbps: mbps}
}

func dialOuter(ctx context.Context, p Params) (net.Conn, error) {
	addr := net.JoinHostPort(p.Endpoint.Addr.String(), strconv.Itoa(int(p.Endpoint.Port)))
	d := &net.Dialer{}
	dctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	raw, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	if p.Security != model.SecurityTLS && p.Security != model.SecurityReality {
		return raw, nil
	}

	cfg := &utls.Config{ServerName: p.SNI, InsecureSkipVerify: true}
	uconn := utls.UClient(raw, cfg, utls.HelloChrome_Auto)
	if err := uconn.HandshakeContext(dctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return uconn, nil
}

// wsUpgrade sends the HTTP/1.1 Upgrade request and reads the 101 response,
// returning any bytes read past the header terminator. Errors are returned
// typed as model.Detail so Probe can pass them straight through.
func wsUpgrade(conn net.Conn, host, path string, timeout time.Duration) ([]byte, error) {
	key, err := websocketKey()
	if err != nil {
		return nil, model.NewDetail(model.ErrWsHdrTimeout, 0, err.Error())
	}

	var req strings.Builder
	fmt.Fprintf(&req, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&req, "Host: %s\r\n", host)
	req.WriteString("Upgrade: websocket\r\n")
	req.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&req, "Sec-WebSocket-Key: %s\r\n", key)
	req.WriteString("Sec-WebSocket-Version: 13\r\n")
	req.WriteString("\r\n")

	if deadline := timeout; deadline > 0 {
		_ = conn.SetDeadline(time.Now().Add(deadline))
		defer conn.SetDeadline(time.Time{})
	}
	if _, err := conn.Write([]byte(req.String())); err != nil {
		return nil, model.NewDetail(model.ErrWsHdrTimeout, 0, err.Error())
	}

	buf := make([]byte, 4096)
	var all []byte
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			all = append(all, buf[:n]...)
			if idx := bytes.Index(all, []byte("\r\n\r\n")); idx >= 0 {
				statusLine := all[:bytes.IndexByte(all, '\n')]
				if !bytes.Contains(statusLine, []byte("101")) {
					return nil, model.NewDetail(model.ErrWsStatus, statusCodeOf(statusLine), "")
				}
				return all[idx+4:], nil
			}
		}
		if err != nil {
			return nil, model.NewDetail(model.ErrWsHdrTimeout, 0, err.Error())
		}
	}
}

func statusCodeOf(statusLine []byte) int {
	fields := strings.Fields(string(statusLine))
	if len(fields) < 2 {
		return 0
	}
	n, _ := strconv.Atoi(fields[1])
	return n
}

func websocketKey() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// buildVlessFrame assembles the VLESS v0 request payload from §4.7 step 3.
// The inner request always targets cp.cloudflare.com:80 regardless of the
// proxy's own port, so the destination fields are fixed to traceOrigin /
// traceOriginPort.
func buildVlessFrame(id uuid.UUID) ([]byte, error) {
	var inner strings.Builder
	inner.WriteString("GET /cdn-cgi/trace HTTP/1.1\r\n")
	fmt.Fprintf(&inner, "Host: %s\r\n", traceOrigin)
	inner.WriteString("Connection: close\r\n\r\n")

	var buf bytes.Buffer
	buf.WriteByte(0x00) // version
	buf.Write(id[:])
	buf.WriteByte(0x00) // addon length
	buf.WriteByte(0x01) // cmd: tcp
	buf.WriteByte(byte(traceOriginPort >> 8))
	buf.WriteByte(byte(traceOriginPort))
	buf.WriteByte(0x02) // atyp: domain
	buf.WriteByte(byte(len(traceOrigin)))
	buf.WriteString(traceOrigin)
	buf.WriteString(inner.String())
	return buf.Bytes(), nil
}

// maskedBinaryFrame wraps payload in one masked WebSocket binary frame
// (opcode 0x02, FIN set), per gorilla/websocket's frame-header layout.
func maskedBinaryFrame(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	first := byte(websocket.BinaryMessage) | 0x80 // FIN | opcode
	buf.WriteByte(first)

	n := len(payload)
	switch {
	case n < 126:
		buf.WriteByte(byte(n) | 0x80) // mask bit set
	case n < 65536:
		buf.WriteByte(126 | 0x80)
		buf.WriteByte(byte(n >> 8))
		buf.WriteByte(byte(n))
	default:
		buf.WriteByte(127 | 0x80)
		for i := 7; i >= 0; i-- {
			buf.WriteByte(byte(uint64(n) >> (8 * i)))
		}
	}

	mask := make([]byte, 4)
	if _, err := rand.Read(mask); err != nil {
		return nil, err
	}
	buf.Write(mask)

	masked := make([]byte, n)
	for i, b := range payload {
		masked[i] = b ^ mask[i%4]
	}
	buf.Write(masked)
	return buf.Bytes(), nil
}

// frameReader incrementally parses unmasked server-to-client WS frames.
type frameReader struct {
	br *bufio.Reader
}

// readStream reads frames until it gets a non-empty binary/continuation
// payload and returns that one payload (§4.7 step 4). Zero-length data
// frames and other opcodes are skipped; a close frame or read error is
// returned as a Detail.
func (r *frameReader) readStream() ([]byte, *model.Detail) {
	var out []byte
	for {
		payload, opcode, err := r.readOneFrame()
		if err != nil {
			d := model.NewDetail(model.ErrTunnelEof, 0, err.Error())
			return out, &d
		}
		const continuationFrame = 0x00
		switch opcode {
		case websocket.CloseMessage:
			code := 1000
			if len(payload) >= 2 {
				code = int(payload[0])<<8 | int(payload[1])
			}
			d := model.NewDetail(model.ErrWsClose, code, "")
			return out, &d
		case continuationFrame, websocket.BinaryMessage:
			if len(payload) == 0 {
				continue // discard zero-length payloads, keep reading (§4.7 step 4)
			}
			out = append(out, payload...)
			return out, nil
		default:
			// ping/pong/text: not part of this protocol, skip and keep reading.
			continue
		}
	}
}

func (r *frameReader) readOneFrame() ([]byte, int, error) {
	head, err := r.br.Peek(2)
	if err != nil {
		return nil, 0, err
	}
	if _, err := r.br.Discard(2); err != nil {
		return nil, 0, err
	}
	opcode := int(head[0] & 0x0f)
	masked := head[1]&0x80 != 0
	length := int64(head[1] & 0x7f)

	switch length {
	case 126:
		ext := make([]byte, 2)
		if _, err := io.ReadFull(r.br, ext); err != nil {
			return nil, 0, err
		}
		length = int64(ext[0])<<8 | int64(ext[1])
	case 127:
		ext := make([]byte, 8)
		if _, err := io.ReadFull(r.br, ext); err != nil {
			return nil, 0, err
		}
		length = 0
		for _, b := range ext {
			length = (length << 8) | int64(b)
		}
	}

	var maskKey [4]byte
	if masked {
		if _, err := io.ReadFull(r.br, maskKey[:]); err != nil {
			return nil, 0, err
		}
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r.br, payload); err != nil {
			return nil, 0, err
		}
		if masked {
			for i := range payload {
				payload[i] ^= maskKey[i%4]
			}
		}
	}
	return payload, opcode, nil
}

// stripVlessHeader removes the VLESS response header (§4.7 step 5): a
// leading 0x00 followed by one addon-length byte.
func stripVlessHeader(stream []byte) ([]byte, error) {
	if len(stream) < 2 {
		return nil, fmt.Errorf("vless response too short")
	}
	if stream[0] != 0x00 {
		return nil, fmt.Errorf("unexpected vless response marker 0x%02x", stream[0])
	}
	addonLen := int(stream[1])
	if len(stream) < 2+addonLen {
		return nil, fmt.Errorf("vless response truncated")
	}
	return stream[2+addonLen:], nil
}

// peekHTTPStatus parses the inner HTTP/1.x status line + headers out of
// body, pulling more frames from r if the header isn't complete yet, and
// returns the status code and how many bytes of body the header consumed.
func peekHTTPStatus(body []byte, r *frameReader) (int, int, error) {
	for {
		if idx := bytes.Index(body, []byte("\r\n\r\n")); idx >= 0 {
			resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(body[:idx+4])), nil)
			if err != nil {
				return 0, 0, err
			}
			return resp.StatusCode, idx + 4, nil
		}
		more, wsErr := r.readStream()
		if wsErr != nil {
			return 0, 0, fmt.Errorf("%s", wsErr.Short())
		}
		if len(more) == 0 {
			return 0, 0, fmt.Errorf("inner http header never completed")
		}
		body = append(body, more...)
	}
}

// countReachBytes counts up to threshold bytes of inner body, pulling more
// WS frames as needed, matching §4.7 step 6's reachability-not-throughput
// read.
func countReachBytes(initial []byte, r *frameReader, threshold int) int64 {
	total := int64(len(initial))
	for total < int64(threshold) {
		more, wsErr := r.readStream()
		if wsErr != nil {
			break
		}
		if len(more) == 0 {
			break
		}
		total += int64(len(more))
	}
	return total
}
