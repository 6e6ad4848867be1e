package stratum

import (
	"net"
	"regexp"
	"strconv"

	"github.com/bardlex/stratumtest/pkg/errors"
)

// Scheme is the only connection-string scheme the client accepts
const Scheme = "stratum+tcp"

var endpointPattern = regexp.MustCompile(`^stratum\+tcp://([^:/]+):(\d+)$`)

// Endpoint is the host and port parsed from a connection string
type Endpoint struct {
	Host string
	Port uint16
}

// ParseEndpoint parses a connection string of the exact form
// stratum+tcp://host:port. Any other form is a config error.
func ParseEndpoint(raw string) (Endpoint, error) {
	m := endpointPattern.FindStringSubmatch(raw)
	if m == nil {
		return Endpoint{}, errors.New(errors.ErrorTypeConfig, "parse_endpoint",
			"expected "+Scheme+"://host:port").
			WithContext("url", raw)
	}

	port, err := strconv.ParseUint(m[2], 10, 16)
	if err != nil {
		return Endpoint{}, errors.Wrap(err, errors.ErrorTypeConfig, "parse_endpoint",
			"port out of range").
			WithContext("url", raw)
	}

	return Endpoint{Host: m[1], Port: uint16(port)}, nil
}

// Address returns the endpoint in host:port form
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.FormatUint(uint64(e.Port), 10))
}

// String returns the endpoint as a connection string
func (e Endpoint) String() string {
	return Scheme + "://" + e.Host + ":" + strconv.FormatUint(uint64(e.Port), 10)
}
