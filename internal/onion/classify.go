package onion

import (
	"net"
	"net/url"
	"strings"
)

// v3 addresses are 56 base32 characters before the .onion suffix; the
// full hostname is 62 characters. Anything shorter with a valid base32
// label is a legacy address.
const v3LabelLen = 56

// Classification describes whether a hostname is an onion address and,
// when it is, which address generation it belongs to. Version is nil for
// non-onion hostnames.
type Classification struct {
	IsOnion bool `json:"is_onion"`
	Version *int `json:"version,omitempty"`
}

// Classify inspects a hostname (with or without port) and reports its
// onion address generation.
func Classify(host string) Classification {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	label, ok := strings.CutSuffix(host, ".onion")
	if !ok {
		return Classification{}
	}
	// Only the rightmost label matters; subdomains are allowed
	if i := strings.LastIndexByte(label, '.'); i >= 0 {
		label = label[i+1:]
	}
	if !validBase32(label) {
		return Classification{}
	}

	version := 2
	if len(label) == v3LabelLen {
		version = 3
	}
	return Classification{IsOnion: true, Version: &version}
}

// AdviseOnionLocation decides whether a response's Onion-Location header
// warrants offering an upgrade: the current host must not already be an
// onion address and the advertised URL must point at one. It returns the
// advertised URL when the upgrade applies.
func AdviseOnionLocation(currentHost, locationHeader string) (string, bool) {
	if locationHeader == "" || Classify(currentHost).IsOnion {
		return "", false
	}
	u, err := url.Parse(locationHeader)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	if !Classify(u.Hostname()).IsOnion {
		return "", false
	}
	return locationHeader, true
}

func validBase32(label string) bool {
	if len(label) < 16 || len(label) > v3LabelLen {
		return false
	}
	for _, r := range label {
		if (r < 'a' || r > 'z') && (r < '2' || r > '7') {
			return false
		}
	}
	return true
}
