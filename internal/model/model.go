// Package model holds the data types shared across every engine component:
// endpoints, the opaque parsed-config view the engine consumes, probe and
// speed results, and variations. None of these types are mutated after the
// worker that produced them returns, except where §3 explicitly calls out a
// single later mutation (a Variation is written once by the stage that
// measured it).
package model

import (
	"net/netip"

	"github.com/google/uuid"
)

// Transport is the wire transport a config uses.
type Transport string

const (
	TransportTCP   Transport = "tcp"
	TransportWS    Transport = "ws"
	TransportXHTTP Transport = "xhttp"
	TransportGRPC  Transport = "grpc"
	TransportH2    Transport = "h2"
)

// Security is the outer TLS camouflage mode.
type Security string

const (
	SecurityNone    Security = "none"
	SecurityTLS     Security = "tls"
	SecurityReality Security = "reality"
)

// Protocol identifies the proxy protocol family.
type Protocol string

const (
	ProtocolVless Protocol = "vless"
	ProtocolVmess Protocol = "vmess"
)

// Endpoint is (address, port); the probe path is IPv4-only (§1 Non-goals).
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

func (e Endpoint) String() string {
	return netip.AddrPortFrom(e.Addr, e.Port).String()
}

// ParsedConfig is the subset of a VLESS/VMess config the engine needs. The
// wire codec itself (parsing a vless://... or vmess://... URI) is an external
// collaborator; this struct is the contract boundary.
type ParsedConfig struct {
	Protocol Protocol
	UUID     uuid.UUID

	Address string // domain or IP
	Port    uint16

	Transport Transport
	Security  Security

	SNI         string
	Host        string
	Path        string
	Flow        string
	Fingerprint string
	ALPN        []string
	ServiceName string
	Mode        string // xhttp mode: auto, packet-up, stream-up, stream-down

	// REALITY extras.
	PublicKey string
	ShortID   string
	SpiderX   string

	// VMess extras.
	AlterID int
	Cipher  string
}

// Clone returns a deep-enough copy for the generator to mutate independently.
func (c ParsedConfig) Clone() ParsedConfig {
	out := c
	out.ALPN = append([]string(nil), c.ALPN...)
	return out
}

// IsCloudflareOriginBound reports whether rotating the SNI would violate the
// REALITY invariant in §3: the SNI is cryptographically bound to the public
// key and must never be rotated by the orchestrator.
func (c ParsedConfig) IsCloudflareOriginBound() bool {
	return c.Security == SecurityReality
}

// ProbeResult is the outcome of one C2 probe invocation.
type ProbeResult struct {
	LatencyMS  int64 // negative = failure
	IsProvider bool  // only meaningful when LatencyMS >= 0 and validation was requested
	Error      Detail
}

func (r ProbeResult) Alive() bool { return r.LatencyMS >= 0 }

// SpeedResult is the outcome of one C5 download.
type SpeedResult struct {
	ConnectMS  int64
	TTFBMS     int64
	Bytes      int64
	DurationMS int64
	Mbps       float64
	ColoTag    string
	Error      Detail
}

func (r SpeedResult) OK() bool { return r.Error.IsZero() }

// FragmentSpec is one fragmentation record, or the explicit "no fragment"
// entry (Null==true) from the fixed preset table (§4.8).
type FragmentSpec struct {
	Null     bool
	Label    string
	Packets  int
	LengthLo int
	LengthHi int
	IntervalLo int
	IntervalHi int
}

// VariationIdentity is the dedup/identity tuple from §3.
type VariationIdentity struct {
	SourceIP        netip.Addr
	SourcePort      uint16
	SNI             string
	FragmentLabel   string
	TransportLabel  string
}

// Variation is one unit of pipeline work (§3, §4.8, §4.9).
type Variation struct {
	Identity VariationIdentity

	Config      ParsedConfig
	LocalPort   int // allocated local SOCKS-like port, base_port+index

	// measured, written once by the tester that ran this variation
	Alive        bool
	ConnectMS    int64
	TTFBMS       int64
	SpeedMbps    float64
	Score        float64
	Error        Detail
	ResultURI    string // re-emitted URI for export; codec is external, this is just a slot
	NativeTested bool
}
