//go:build !linux && !darwin

package radio

import "github.com/user/blexchange/transport"

func NewCentral(adapterID string) (transport.CentralManager, error) {
	return nil, ErrUnsupported
}
