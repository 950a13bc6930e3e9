//go:build !linux

package firewall

import "errors"

var errUnsupported = errors.New("nftables is only available on linux")

type Manager struct{}

var _ Guard = (*Manager)(nil)

func NewManager() *Manager { return &Manager{} }

func (*Manager) Apply([]int) error     { return errUnsupported }
func (*Manager) Ports() ([]int, error) { return nil, errUnsupported }
func (*Manager) Remove() error         { return errUnsupported }
