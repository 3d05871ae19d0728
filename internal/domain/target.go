package domain

import (
	"net"
	"regexp"
	"strings"
)

type Kind string

const (
	KindName Kind = "name"
	KindIP   Kind = "ip"
)

func (k Kind) Valid() bool {
	return k == KindName || k == KindIP
}

var ipv4Pattern = regexp.MustCompile(`^((25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)$`)

// IsIPv4 reports whether s is a dotted-quad address with every group in 0-255.
// It is a syntax check only; nothing is resolved.
func IsIPv4(s string) bool {
	return ipv4Pattern.MatchString(s)
}

// Target addresses exactly one record: a name ban or an IP ban.
type Target struct {
	Kind Kind
	Key  string
}

// ParseTarget routes raw command input to the IP table when it looks like an
// IPv4 address and to the name table otherwise.
func ParseTarget(raw string) Target {
	raw = strings.TrimSpace(raw)
	if IsIPv4(raw) {
		return Target{Kind: KindIP, Key: raw}
	}
	return Target{Kind: KindName, Key: raw}
}

func (t Target) String() string {
	return string(t.Kind) + ":" + t.Key
}

// SourceIP extracts the dotted-quad form of a connection address. It accepts
// host:port or a bare host, and unwraps IPv4-mapped IPv6 addresses.
func SourceIP(addr string) (string, bool) {
	host := strings.TrimSpace(addr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")

	ip := net.ParseIP(host)
	if ip == nil {
		return "", false
	}
	v4 := ip.To4()
	if v4 == nil {
		return "", false
	}
	return v4.String(), true
}
