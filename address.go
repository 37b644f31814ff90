// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package prmi

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// An Address locates an object exported by an endpoint. Its text form is
//
//	protocol://host[:port][/spec]
//
// A Port of 0 means the port is unspecified. Spec is the path of the object
// within the endpoint, without a leading slash.
type Address struct {
	Protocol string
	Host     string
	Port     int
	Spec     string
}

// ParseAddress parses text as an object address. It reports an error wrapping
// ErrMalformedAddress if text does not match the grammar.
func ParseAddress(text string) (Address, error) {
	proto, rest, ok := strings.Cut(text, "://")
	if !ok {
		return Address{}, fmt.Errorf("%q: missing protocol separator: %w", text, ErrMalformedAddress)
	} else if proto == "" {
		return Address{}, fmt.Errorf("%q: empty protocol: %w", text, ErrMalformedAddress)
	}
	addr := Address{Protocol: proto}

	slash := strings.IndexByte(rest, '/')
	colon := strings.IndexByte(rest, ':')
	if colon >= 0 && (slash < 0 || colon < slash) {
		addr.Host = rest[:colon]
		port := rest[colon+1:]
		if slash >= 0 {
			port = rest[colon+1 : slash]
		}
		if port == "" || !isDigits(port) {
			return Address{}, fmt.Errorf("%q: invalid port %q: %w", text, port, ErrMalformedAddress)
		}
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return Address{}, fmt.Errorf("%q: port out of range: %w", text, ErrMalformedAddress)
		}
		addr.Port = int(n)
	} else if slash >= 0 {
		addr.Host = rest[:slash]
	} else {
		addr.Host = rest
	}
	if slash >= 0 {
		addr.Spec = rest[slash+1:]
	}
	return addr, nil
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// String formats a in canonical text form. The port is included only if it
// is positive, and a "/" is inserted before a non-empty spec if needed.
func (a Address) String() string {
	var sb strings.Builder
	sb.WriteString(a.Protocol)
	sb.WriteString("://")
	sb.WriteString(a.Host)
	if a.Port > 0 {
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(a.Port))
	}
	if a.Spec != "" {
		if !strings.HasPrefix(a.Spec, "/") {
			sb.WriteByte('/')
		}
		sb.WriteString(a.Spec)
	}
	return sb.String()
}

// HostPort returns the host and port of a in the form accepted by net.Dial.
// Addresses that share a HostPort share a connection.
func (a Address) HostPort() string { return net.JoinHostPort(a.Host, strconv.Itoa(a.Port)) }

// WithSpec returns a copy of a with its spec replaced.
func (a Address) WithSpec(spec string) Address { a.Spec = strings.TrimPrefix(spec, "/"); return a }
