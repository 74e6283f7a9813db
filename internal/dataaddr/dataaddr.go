// Package dataaddr implements the DataAddress codec: the wire
// representation peers use to advertise data-channel endpoints to each
// other, of the form "<proto/host:port>".
package dataaddr

import (
	"strconv"
	"strings"

	"etdaemon/internal/errors"
)

const maxHostnameLen = 255

// DataAddress is a (protocol, host, port) triple identifying one
// data-channel endpoint. Host is stored without surrounding brackets even
// when it is an IPv6 literal; Format restores them.
type DataAddress struct {
	Proto string
	Host  string
	Port  uint32
}

// Format renders a into its wire form, "<proto/host:port>". An IPv6 literal
// host (anything containing ':') is rebracketed; IPv4 literals and
// hostnames are emitted unbracketed.
func (a DataAddress) Format() string {
	host := a.Host
	if strings.ContainsRune(host, ':') {
		host = "[" + host + "]"
	}
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(a.Proto)
	b.WriteByte('/')
	b.WriteString(host)
	b.WriteByte(':')
	b.WriteString(strconv.FormatUint(uint64(a.Port), 10))
	b.WriteByte('>')
	return b.String()
}

func (a DataAddress) String() string {
	return a.Format()
}

// Parse decodes a wire token matching
// "^<([^/]+)/(\[<ipv6>\]|<hostname>):(\d+)>$" into a DataAddress. This is a
// hand-written single-pass scanner rather than a regexp: the grammar is
// LL(1) once the optional bracket is accounted for, and a scanner reports
// exactly which field failed.
func Parse(s string) (DataAddress, error) {
	if len(s) < 2 || s[0] != '<' || s[len(s)-1] != '>' {
		return DataAddress{}, errors.NewValidationError("data_address", s, "missing angle brackets")
	}
	body := s[1 : len(s)-1]

	slash := strings.IndexByte(body, '/')
	if slash < 0 {
		return DataAddress{}, errors.NewValidationError("data_address", s, "missing proto/host separator")
	}
	proto := body[:slash]
	if proto == "" {
		return DataAddress{}, errors.NewValidationError("data_address", s, "empty protocol")
	}
	rest := body[slash+1:]

	var host, portStr string
	if len(rest) > 0 && rest[0] == '[' {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return DataAddress{}, errors.NewValidationError("data_address", s, "unterminated bracketed host")
		}
		host = rest[1:end]
		tail := rest[end+1:]
		if len(tail) == 0 || tail[0] != ':' {
			return DataAddress{}, errors.NewValidationError("data_address", s, "missing port after bracketed host")
		}
		portStr = tail[1:]
	} else {
		colon := strings.LastIndexByte(rest, ':')
		if colon < 0 {
			return DataAddress{}, errors.NewValidationError("data_address", s, "missing host:port separator")
		}
		host = rest[:colon]
		portStr = rest[colon+1:]
	}

	if host == "" {
		return DataAddress{}, errors.NewValidationError("data_address", s, "empty host")
	}
	if len(host) > maxHostnameLen {
		return DataAddress{}, errors.NewValidationError("data_address", s, "hostname exceeds 255 characters")
	}

	if portStr == "" {
		return DataAddress{}, errors.NewValidationError("data_address", s, "empty port")
	}
	for i := 0; i < len(portStr); i++ {
		if portStr[i] < '0' || portStr[i] > '9' {
			return DataAddress{}, errors.NewValidationError("data_address", s, "port is not all-digits")
		}
	}
	port, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return DataAddress{}, errors.NewValidationError("data_address", s, "port out of range")
	}

	return DataAddress{Proto: proto, Host: host, Port: uint32(port)}, nil
}
