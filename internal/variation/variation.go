// Package variation implements C8: expands one parsed config plus a set of
// working IPs/ports into the cartesian set of testable variations, under a
// deterministic per-dimension budget split. Grounded on spec.md §4.8; the
// fragment/SNI/transport rule tables have no Python precedent in
// original_source/scanner.py (it never modeled fragmentation or
// multi-transport cloning), so they're built directly from the spec in the
// style of model.ParsedConfig.Clone().
package variation

import (
	"net/netip"
	"strings"

	"github.com/SamNet-dev/cfray/internal/model"
)

const basePort = 10800

var fragPresets = map[string][]model.FragmentSpec{
	"none": {{Null: true}},
	"light": {
		{Label: "tlshello", Packets: 1, LengthLo: 100, LengthHi: 200, IntervalLo: 10, IntervalHi: 20},
	},
	"medium": {
		{Label: "tlshello", Packets: 1, LengthLo: 100, LengthHi: 200, IntervalLo: 10, IntervalHi: 20},
		{Label: "1-2", Packets: 2, LengthLo: 10, LengthHi: 50, IntervalLo: 5, IntervalHi: 10},
	},
	"heavy": {
		{Label: "tlshello", Packets: 1, LengthLo: 100, LengthHi: 200, IntervalLo: 10, IntervalHi: 20},
		{Label: "1-2", Packets: 2, LengthLo: 10, LengthHi: 50, IntervalLo: 5, IntervalHi: 10},
		{Label: "1-3", Packets: 3, LengthLo: 10, LengthHi: 30, IntervalLo: 2, IntervalHi: 8},
	},
}

func init() {
	fragPresets["all"] = append([]model.FragmentSpec{{Null: true}}, fragPresets["heavy"]...)
}

// FragmentsFor returns the fixed fragment-record table for a named preset,
// defaulting to "none" for unknown names.
func FragmentsFor(preset string) []model.FragmentSpec {
	if f, ok := fragPresets[preset]; ok {
		return f
	}
	return fragPresets["none"]
}

var xhttpModes = []string{"auto", "packet-up", "stream-up", "stream-down"}

// Input bundles generate()'s parameters (§4.8).
type Input struct {
	Parsed            model.ParsedConfig
	WorkingIPs        []netip.Addr
	IPPorts           map[netip.Addr][]uint16
	SNIPool           []string
	FragPreset        string
	TransportVariants []model.Transport
	MaxTotal          int
	MaxSNIsPerIP      int
}

// Generate runs C8: effective SNI pool, fragment selection, transport
// cloning, budget distribution, and cartesian emission.
func Generate(in Input) []model.Variation {
	snis := effectiveSNIPool(in.Parsed, in.SNIPool)
	frags := effectiveFragments(in.Parsed, in.FragPreset)
	transports := transportVariants(in.Parsed, in.TransportVariants)

	nIP := len(in.WorkingIPs)
	if nIP == 0 {
		return nil
	}
	nPortAvg := avgPortsPerIP(in.IPPorts, nIP)
	nTransport := len(transports)

	perIP := maxInt(1, in.MaxTotal/nIP)
	perPort := maxInt(1, perIP/maxInt(1, nPortAvg))
	snisN := minInt3(in.MaxSNIsPerIP, perPort, len(snis))
	if snisN < 1 {
		snisN = 1
	}
	fragsEff := minInt(maxInt(1, len(frags)), maxInt(1, perPort/maxInt(1, snisN)))
	tEff := maxInt(1, perPort/maxInt(1, snisN*fragsEff))

	snis = truncate(snis, snisN)
	frags = truncateFrags(frags, fragsEff)
	transports = truncateTransports(transports, minInt(tEff, nTransport))

	var out []model.Variation
	index := 0

emit:
	for _, ip := range in.WorkingIPs {
		ports := in.IPPorts[ip]
		if len(ports) == 0 {
			ports = []uint16{in.Parsed.Port}
		}
		for _, port := range ports {
			for _, tr := range transports {
				cfg := cloneForTransport(in.Parsed, tr)
				for _, sni := range snis {
					for _, frag := range frags {
						localPort := basePort + index
						if localPort > 65535 || len(out) >= in.MaxTotal {
							break emit
						}
						out = append(out, newVariation(ip, port, localPort, cfg, sni, frag, tr))
						index++

						if tr == model.TransportXHTTP && frag.Null {
							out = append(out, xhttpModeVariations(ip, port, &index, cfg, sni)...)
						}
					}
				}
			}
		}
	}
	return out
}

func newVariation(ip netip.Addr, port uint16, localPort int, cfg model.ParsedConfig, sni string, frag model.FragmentSpec, tr model.Transport) model.Variation {
	cfg = cfg.Clone()
	cfg.SNI = sni
	fragLabel := "none"
	if !frag.Null {
		fragLabel = frag.Label
	}
	return model.Variation{
		Identity: model.VariationIdentity{
			SourceIP:       ip,
			SourcePort:     port,
			SNI:            sni,
			FragmentLabel:  fragLabel,
			TransportLabel: string(tr),
		},
		Config:    cfg,
		LocalPort: localPort,
	}
}

// xhttpModeVariations emits one variation per XHTTP mode for (ip, port,
// transport=xhttp, sni, fragment=null), with no further budget adjustment
// (§4.8 last paragraph).
func xhttpModeVariations(ip netip.Addr, port uint16, index *int, cfg model.ParsedConfig, sni string) []model.Variation {
	var out []model.Variation
	for _, mode := range xhttpModes {
		localPort := basePort + *index
		if localPort > 65535 {
			break
		}
		c := cfg.Clone()
		c.SNI = sni
		c.Mode = mode
		out = append(out, model.Variation{
			Identity: model.VariationIdentity{
				SourceIP:       ip,
				SourcePort:     port,
				SNI:            sni,
				FragmentLabel:  "none",
				TransportLabel: "xhttp:" + mode,
			},
			Config:    c,
			LocalPort: localPort,
		})
		*index++
	}
	return out
}

// effectiveSNIPool builds the pool per §4.8's "Effective SNI pool
// construction" rules.
func effectiveSNIPool(cfg model.ParsedConfig, userPool []string) []string {
	if cfg.Security == model.SecurityReality {
		return []string{cfg.SNI}
	}
	if cfg.Security == model.SecurityNone {
		sni := cfg.SNI
		if sni == "" {
			sni = cfg.Host
		}
		return []string{sni}
	}

	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	add(cfg.Host)
	add(cfg.SNI)
	for _, s := range userPool {
		add(s)
	}
	return out
}

// effectiveFragments applies the "none" and xtls-rprx-vision forced-null
// rules on top of the named preset's fixed table.
func effectiveFragments(cfg model.ParsedConfig, preset string) []model.FragmentSpec {
	if cfg.Security == model.SecurityNone {
		return fragPresets["none"]
	}
	if strings.HasPrefix(cfg.Flow, "xtls-rprx-vision") {
		return fragPresets["none"]
	}
	return FragmentsFor(preset)
}

// transportVariants always includes the original transport, plus any
// requested additional ones from the fixed set.
func transportVariants(cfg model.ParsedConfig, requested []model.Transport) []model.Transport {
	seen := map[model.Transport]bool{cfg.Transport: true}
	out := []model.Transport{cfg.Transport}
	for _, t := range requested {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// cloneForTransport clones cfg for one transport variant, rewriting path
// defaults and flow per §4.8's transport-variant rules.
func cloneForTransport(cfg model.ParsedConfig, tr model.Transport) model.ParsedConfig {
	out := cfg.Clone()
	if tr == cfg.Transport {
		return out
	}
	out.Transport = tr
	switch tr {
	case model.TransportWS:
		if out.Path == "" {
			out.Path = "/ws"
		}
	case model.TransportXHTTP:
		if out.Path == "" {
			out.Path = "/xhttp"
		}
	case model.TransportGRPC:
		if out.ServiceName == "" {
			out.ServiceName = "grpc"
		}
	}
	if tr != model.TransportTCP {
		out.Flow = ""
	} else if out.Security == model.SecurityReality {
		out.Flow = "xtls-rprx-vision"
	}
	return out
}

func avgPortsPerIP(ipPorts map[netip.Addr][]uint16, nIP int) int {
	if len(ipPorts) == 0 {
		return 1
	}
	total := 0
	for _, ports := range ipPorts {
		total += maxInt(1, len(ports))
	}
	avg := total / maxInt(1, len(ipPorts))
	return maxInt(1, avg)
}

func truncate(in []string, n int) []string {
	if n >= len(in) {
		return in
	}
	if n < 1 {
		n = 1
	}
	return in[:n]
}

func truncateFrags(in []model.FragmentSpec, n int) []model.FragmentSpec {
	if n >= len(in) {
		return in
	}
	if n < 1 {
		n = 1
	}
	return in[:n]
}

func truncateTransports(in []model.Transport, n int) []model.Transport {
	if n >= len(in) {
		return in
	}
	if n < 1 {
		n = 1
	}
	return in[:n]
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func minInt3(a, b, c int) int {
	return minInt(a, minInt(b, c))
}
