// Package uri holds the pure addressing rules of the bus: transport family by
// scheme, durability by a reserved "durable" marker and queue names.
package uri

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	SchemeLocal = "local"
	SchemeAMQP  = "amqp"
	SchemeAMQPS = "amqps"
	SchemeTCP   = "tcp"

	// DurableMarker flags a destination as durable when it appears as the
	// host or a path segment, e.g. local://durable/orders or tcp://host:2000/durable.
	DurableMarker = "durable"

	RepliesURI = "local://replies"
	RetriesURI = "local://retries"

	// DefaultQueue is used when an address names no queue of its own.
	DefaultQueue = "default"
)

var ErrInvalidAddress = errors.New("uri: invalid address")

// Parse validates an address and returns its URL form
func Parse(address string) (*url.URL, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("%w: %q has no scheme", ErrInvalidAddress, address)
	}
	return u, nil
}

// IsDurable reports whether an address denotes a durable destination. It does
// not consult any live state so it is safe for routing decisions.
func IsDurable(address string) bool {
	u, err := Parse(address)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Hostname(), DurableMarker) {
		return true
	}
	for _, segment := range segments(u) {
		if strings.EqualFold(segment, DurableMarker) {
			return true
		}
	}
	return strings.EqualFold(u.Query().Get(DurableMarker), "true")
}

// Scheme returns the lower-cased transport family of an address
func Scheme(address string) string {
	u, err := Parse(address)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// QueueName returns the queue an address points at.
//
// Local addresses name their queue in the host (local://orders) or, for
// durable ones, in the first path segment (local://durable/orders). Remote
// addresses name it in the last path segment that is not the durable marker.
func QueueName(address string) string {
	u, err := Parse(address)
	if err != nil {
		return ""
	}

	segs := segments(u)
	if strings.EqualFold(u.Scheme, SchemeLocal) {
		host := strings.ToLower(u.Hostname())
		if host != DurableMarker && host != "" {
			return host
		}
		for _, s := range segs {
			if !strings.EqualFold(s, DurableMarker) {
				return strings.ToLower(s)
			}
		}
		return DefaultQueue
	}

	for i := len(segs) - 1; i >= 0; i-- {
		if !strings.EqualFold(segs[i], DurableMarker) {
			return segs[i]
		}
	}
	return DefaultQueue
}

// Normalize lower-cases scheme and host so equal destinations compare equal
func Normalize(address string) string {
	u, err := Parse(address)
	if err != nil {
		return address
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return strings.TrimSuffix(u.String(), "/")
}

// Equal compares two addresses after normalization
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

func segments(u *url.URL) []string {
	var out []string
	for _, s := range strings.Split(u.Path, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
