//go:build !linux

package diagnostics

import (
	"errors"
	"net"
)

func lookupRoute(net.IP) (Route, error) {
	return Route{}, errors.New("route lookup not supported on this platform")
}
