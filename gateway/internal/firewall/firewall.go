// Package firewall keeps agent bind ports unreachable from anywhere but
// the gateway's own loopback interface.
package firewall

import "github.com/juju/loggo/v2"

var logger = loggo.GetLogger("nat-tunnel.firewall")

const (
	TableName = "nat-tunnel"
	ChainName = "input-guard"
)

// Guard drops traffic to the given ports unless it arrives on loopback.
type Guard interface {
	// Apply replaces the guarded port set.
	Apply(ports []int) error
	// Ports returns the currently guarded ports.
	Ports() ([]int, error)
	// Remove deletes the guard entirely.
	Remove() error
}
