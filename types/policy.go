package types

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// PortRange is an inclusive range of TCP ports.
type PortRange struct {
	Lo uint16 `cbor:"1,keyasint"`
	Hi uint16 `cbor:"2,keyasint"`
}

// Contains returns true if port is in the range.
func (r PortRange) Contains(port uint16) bool {
	return r.Lo <= port && port <= r.Hi
}

// String implements fmt.Stringer.
func (r PortRange) String() string {
	if r.Lo == r.Hi {
		return strconv.Itoa(int(r.Lo))
	}
	return fmt.Sprintf("%d-%d", r.Lo, r.Hi)
}

// PortPolicy is the set of ports an exit relay allows, as a list of accepted
// (or, when Reject is set, rejected) ranges.
type PortPolicy struct {
	Reject bool        `cbor:"1,keyasint"`
	Ranges []PortRange `cbor:"2,keyasint"`
}

// ParsePortPolicy parses a summary such as "accept 80,443,8000-8100".
func ParsePortPolicy(s string) (*PortPolicy, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return nil, xerrors.Errorf("malformed port policy %q", s)
	}

	p := &PortPolicy{}
	switch fields[0] {
	case "accept":
	case "reject":
		p.Reject = true
	default:
		return nil, xerrors.Errorf("unknown port policy verb %q", fields[0])
	}

	for _, item := range strings.Split(fields[1], ",") {
		lo, hi := item, item
		if i := strings.IndexByte(item, '-'); i >= 0 {
			lo, hi = item[:i], item[i+1:]
		}
		l, err := strconv.ParseUint(lo, 10, 16)
		if err != nil {
			return nil, xerrors.Errorf("bad port %q: %v", lo, err)
		}
		h, err := strconv.ParseUint(hi, 10, 16)
		if err != nil {
			return nil, xerrors.Errorf("bad port %q: %v", hi, err)
		}
		if l == 0 || l > h {
			return nil, xerrors.Errorf("bad port range %q", item)
		}
		p.Ranges = append(p.Ranges, PortRange{Lo: uint16(l), Hi: uint16(h)})
	}
	return p, nil
}

// Allows returns true if the policy permits exiting to port.
func (p *PortPolicy) Allows(port uint16) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Ranges {
		if r.Contains(port) {
			return !p.Reject
		}
	}
	return p.Reject
}

// AllowsSome returns true if at least one port is allowed.
func (p *PortPolicy) AllowsSome() bool {
	if p == nil {
		return false
	}
	if p.Reject {
		covered := 0
		for _, r := range p.Ranges {
			covered += int(r.Hi) - int(r.Lo) + 1
		}
		return covered < 65535
	}
	return len(p.Ranges) > 0
}

// Clone returns a deep copy of the policy.
func (p *PortPolicy) Clone() *PortPolicy {
	if p == nil {
		return nil
	}
	return &PortPolicy{Reject: p.Reject, Ranges: append([]PortRange(nil), p.Ranges...)}
}

// String implements fmt.Stringer.
func (p *PortPolicy) String() string {
	if p == nil {
		return "reject 1-65535"
	}
	verb := "accept"
	if p.Reject {
		verb = "reject"
	}
	parts := make([]string, len(p.Ranges))
	for i, r := range p.Ranges {
		parts[i] = r.String()
	}
	return verb + " " + strings.Join(parts, ",")
}
