package iputil

import (
	"net/netip"
	"strings"

	fwerrors "github.com/MaxSonchik/DevOS/pkg/errors"
)

// Address is a normalized IPv4/IPv6 host or network.
// Single hosts are stored as /32 or /128 and host bits are always masked,
// so two Address values naming the same network compare equal with ==.
// Address 是规范化后的 IPv4/IPv6 主机或网段。
// 单个主机存储为 /32 或 /128，主机位始终被清零，因此同一网段的两个 Address 可以直接用 == 比较。
type Address struct {
	p netip.Prefix
}

// ParseAddress parses an IP address or CIDR string.
// IPv4-mapped IPv6 addresses are unmapped to plain IPv4.
// ParseAddress 解析 IP 地址或 CIDR 字符串。IPv4 映射的 IPv6 地址会被还原为 IPv4。
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, fwerrors.NewIPError(s)
	}

	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return Address{}, fwerrors.NewIPError(s)
		}
		addr := p.Addr()
		bits := p.Bits()
		if addr.Is4In6() {
			if bits < 96 {
				return Address{}, fwerrors.NewIPError(s)
			}
			addr = addr.Unmap()
			bits -= 96
		}
		return Address{p: netip.PrefixFrom(addr.WithZone(""), bits).Masked()}, nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return Address{}, fwerrors.NewIPError(s)
	}
	return FromAddr(addr), nil
}

// MustParseAddress is like ParseAddress but panics on error. Intended for tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromAddr returns the host address for a single IP.
// FromAddr 返回单个 IP 对应的主机地址。
func FromAddr(addr netip.Addr) Address {
	addr = addr.Unmap().WithZone("")
	return Address{p: netip.PrefixFrom(addr, addr.BitLen())}
}

// Prefix returns the underlying network prefix.
func (a Address) Prefix() netip.Prefix { return a.p }

// Addr returns the network address (the first address of the prefix).
func (a Address) Addr() netip.Addr { return a.p.Addr() }

// Bits returns the prefix length.
func (a Address) Bits() int { return a.p.Bits() }

// IsValid reports whether a was produced by a successful parse.
func (a Address) IsValid() bool { return a.p.IsValid() }

// IsIPv6 reports whether the address is an IPv6 address or network.
// IsIPv6 检查地址是否为 IPv6。
func (a Address) IsIPv6() bool { return a.p.Addr().Is6() }

// IsHost reports whether the address names a single host.
func (a Address) IsHost() bool { return a.p.IsSingleIP() }

// Contains reports whether ip falls inside the network.
func (a Address) Contains(ip netip.Addr) bool { return a.p.Contains(ip.Unmap()) }

// String returns the canonical CIDR form, e.g. 10.0.0.5/32.
func (a Address) String() string {
	if !a.p.IsValid() {
		return ""
	}
	return a.p.String()
}

// HostString returns the bare address for single hosts and the CIDR form otherwise.
// HostString 对单个主机返回裸地址，否则返回 CIDR 形式。
func (a Address) HostString() string {
	if a.IsHost() {
		return a.p.Addr().String()
	}
	return a.String()
}

// Compare orders IPv4 before IPv6, then by address, then by prefix length.
func (a Address) Compare(b Address) int {
	if c := a.p.Addr().Compare(b.p.Addr()); c != 0 {
		return c
	}
	return a.p.Bits() - b.p.Bits()
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// NormalizeCIDR returns the canonical CIDR form of s, or s itself when it
// does not parse.
// NormalizeCIDR 返回 s 的规范 CIDR 形式；解析失败时返回原字符串。
func NormalizeCIDR(s string) string {
	a, err := ParseAddress(s)
	if err != nil {
		return s
	}
	return a.String()
}

// IsValidIP checks if the string is a valid IP address or CIDR.
// IsValidIP 检查字符串是否为有效的 IP 地址或 CIDR。
func IsValidIP(s string) bool {
	_, err := ParseAddress(s)
	return err == nil
}

// FirstIP extracts the first parseable IPv4 or IPv6 address from a line of
// free text such as a log entry. Brackets, ports and trailing punctuation
// are stripped.
// FirstIP 从一行自由文本（如日志）中提取第一个可解析的 IP 地址。
func FirstIP(line string) (netip.Addr, bool) {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		switch r {
		case ' ', '\t', '=', '"', '\'', '[', ']', '(', ')', ',', ';', '<', '>':
			return true
		}
		return false
	})
	for _, f := range fields {
		if addr, ok := parseToken(f); ok {
			return addr, true
		}
	}
	return netip.Addr{}, false
}

func parseToken(tok string) (netip.Addr, bool) {
	if addr, err := netip.ParseAddr(tok); err == nil {
		return addr.Unmap(), true
	}
	tok = strings.TrimRight(tok, ".:")
	if addr, err := netip.ParseAddr(tok); err == nil {
		return addr.Unmap(), true
	}
	if ap, err := netip.ParseAddrPort(tok); err == nil {
		return ap.Addr().Unmap(), true
	}
	// host:port with IPv4 only; bare IPv6 was handled above.
	if i := strings.LastIndexByte(tok, ':'); i > 0 && strings.Count(tok, ":") == 1 {
		if addr, err := netip.ParseAddr(tok[:i]); err == nil && addr.Is4() {
			return addr, true
		}
	}
	return netip.Addr{}, false
}
