// Package addrspace implements C1, the Address Expander: turning CIDR
// ranges and freeform IP lists into deduplicated IPv4 sequences, grounded on
// original_source/scanner.py's generate_cf_ips/_split_to_24s and
// load_addresses.
package addrspace

import (
	"bufio"
	"math/rand"
	"net/netip"
	"os"
	"strings"
)

// FreeformCap is the "anti-runaway" clamp on freeform input (§4.1, §9 Open Questions).
const FreeformCap = 6666

// ExpandCIDRs implements expand_cidrs: split each input CIDR into /24s
// (direct emission if the prefix is already narrower than /24), dedup /24s
// by network address across all inputs, shuffle the /24 order, then either
// emit every host or sample sample_per_24 of them uniformly without
// replacement.
func ExpandCIDRs(subnets []string, samplePer24 int, rng *rand.Rand) ([]netip.Addr, error) {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	blocks, err := splitTo24s(subnets)
	if err != nil {
		return nil, err
	}
	rng.Shuffle(len(blocks), func(i, j int) { blocks[i], blocks[j] = blocks[j], blocks[i] })

	var out []netip.Addr
	for _, b := range blocks {
		hosts := hostsOf(b)
		if samplePer24 > 0 && samplePer24 < len(hosts) {
			rng.Shuffle(len(hosts), func(i, j int) { hosts[i], hosts[j] = hosts[j], hosts[i] })
			hosts = hosts[:samplePer24]
		}
		out = append(out, hosts...)
	}
	return out, nil
}

// splitTo24s mirrors _split_to_24s: prefixes > 24 are emitted directly (as a
// single-block "network"), prefixes <= 24 are exploded into /24 sub-blocks,
// and /24 network addresses are deduplicated across all inputs.
func splitTo24s(subnets []string) ([]netip.Prefix, error) {
	seen := make(map[netip.Addr]bool)
	var blocks []netip.Prefix

	for _, s := range subnets {
		p, err := netip.ParsePrefix(strings.TrimSpace(s))
		if err != nil {
			continue
		}
		p = p.Masked()
		if !p.Addr().Is4() {
			continue // IPv4-only probe path (§1 Non-goals)
		}
		if p.Bits() > 24 {
			key := p.Addr()
			if !seen[key] {
				seen[key] = true
				blocks = append(blocks, p)
			}
			continue
		}
		for _, sub := range subnets24Of(p) {
			key := sub.Addr()
			if !seen[key] {
				seen[key] = true
				blocks = append(blocks, sub)
			}
		}
	}
	return blocks, nil
}

func subnets24Of(p netip.Prefix) []netip.Prefix {
	if p.Bits() == 24 {
		return []netip.Prefix{p}
	}
	n := 1 << uint(24-p.Bits())
	out := make([]netip.Prefix, 0, n)
	base := p.Addr().As4()
	baseInt := uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8 | uint32(base[3])
	step := uint32(1) << 8 // /24 blocks are 256 apart in the third octet
	for i := 0; i < n; i++ {
		v := baseInt + uint32(i)*step
		a := [4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
		addr := netip.AddrFrom4(a)
		out = append(out, netip.PrefixFrom(addr, 24))
	}
	return out
}

// hostsOf returns all host addresses in a /24 (254 of them), or, for a
// prefix narrower than 24, every address in the block (network/broadcast
// included — those blocks are emitted "directly" per §4.1 and are assumed to
// be a deliberate, already-scoped range from the caller).
func hostsOf(p netip.Prefix) []netip.Addr {
	if p.Bits() > 24 {
		var out []netip.Addr
		addr := p.Addr()
		for {
			if !p.Contains(addr) {
				break
			}
			out = append(out, addr)
			addr = addr.Next()
		}
		return out
	}

	base := p.Addr().As4()
	baseInt := uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8 | uint32(base[3])
	out := make([]netip.Addr, 0, 254)
	for i := uint32(1); i <= 254; i++ {
		v := baseInt + i
		a := [4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
		out = append(out, netip.AddrFrom4(a))
	}
	return out
}

// ExpandFreeform implements expand_freeform: accepts single IPs, CIDRs,
// comma/newline-separated mixes, or a filesystem path whose contents are
// treated the same way. Dedups preserving first-seen order; caps at
// FreeformCap.
func ExpandFreeform(textOrPath string) ([]netip.Addr, error) {
	raw := textOrPath
	if fi, err := os.Stat(textOrPath); err == nil && !fi.IsDir() {
		b, err := os.ReadFile(textOrPath)
		if err != nil {
			return nil, err
		}
		raw = string(b)
	}

	tokens := tokenize(raw)

	seen := make(map[netip.Addr]bool)
	var out []netip.Addr
	for _, tok := range tokens {
		if len(out) >= FreeformCap {
			break
		}
		for _, addr := range parseToken(tok) {
			if len(out) >= FreeformCap {
				break
			}
			if seen[addr] {
				continue
			}
			seen[addr] = true
			out = append(out, addr)
		}
	}
	return out, nil
}

func tokenize(raw string) []string {
	raw = strings.ReplaceAll(raw, ",", "\n")
	sc := bufio.NewScanner(strings.NewReader(raw))
	var toks []string
	for sc.Scan() {
		t := strings.TrimSpace(sc.Text())
		if t != "" {
			toks = append(toks, t)
		}
	}
	return toks
}

func parseToken(tok string) []netip.Addr {
	if addr, err := netip.ParseAddr(tok); err == nil {
		if addr.Is4() {
			return []netip.Addr{addr}
		}
		return nil
	}
	if p, err := netip.ParsePrefix(tok); err == nil {
		p = p.Masked()
		if !p.Addr().Is4() {
			return nil
		}
		if p.Bits() >= 24 {
			return hostsOf(p)
		}
		// Wider than /24: explode into /24s and take every host, same as
		// the CIDR path, to keep a single addressing rule for freeform input.
		var out []netip.Addr
		for _, sub := range subnets24Of(p) {
			out = append(out, hostsOf(sub)...)
		}
		return out
	}
	return nil
}
