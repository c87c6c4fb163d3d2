// Package radio runs the exchange on real Bluetooth hardware through
// tinygo.org/x/bluetooth. The peripheral role needs BlueZ (Linux); the
// central role works wherever tinygo bluetooth has a central (Linux, macOS).
//
// The hardware stacks expose less than the simulated transports: BlueZ
// acknowledges with-response writes itself and notifications go to every
// subscribed central. Both are reported through the transport interfaces
// as faithfully as the stack allows.
package radio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/user/blexchange/logger"
	"github.com/user/blexchange/transport"
)

// DefaultAdapterID is the BlueZ adapter used when none is configured
const DefaultAdapterID = "hci0"

var (
	// ErrUnsupported is returned when the platform has no stack for a role
	ErrUnsupported = errors.New("radio: role not supported on this platform")
	// ErrLinkLost is the cause reported when the stack drops a connection
	ErrLinkLost = errors.New("radio: link lost")
)

// pollPowered waits until probe reports the adapter powered on. A probe
// error ends the wait at once.
func pollPowered(ctx context.Context, prefix string, probe func() (bool, error)) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	logged := false
	for {
		on, err := probe()
		if err != nil {
			return fmt.Errorf("%w: %w", transport.ErrNotReady, err)
		}
		if on {
			return nil
		}
		if !logged {
			logger.Info(prefix, "⏳ waiting for adapter to power on")
			logged = true
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", transport.ErrNotReady, ctx.Err())
		case <-ticker.C:
		}
	}
}

func charKey(id string) string {
	return strings.ToUpper(id)
}
