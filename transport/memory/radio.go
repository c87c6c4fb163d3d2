// Package memory is an in-process BLE medium. Peripherals and centrals
// created from the same Radio discover, connect and exchange values with
// each other through queues instead of a radio, which makes the exchange
// sessions testable and lets the CLI demo both roles in one process.
//
// Faults can be injected per device: power (readiness), failing the Nth
// write or notify, hiding a characteristic from discovery and dropping a link.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/user/blexchange/logger"
	"github.com/user/blexchange/protocol"
	"github.com/user/blexchange/transport"
)

// ErrLinkLost is the cause attached to disconnects injected with DropCentral
var ErrLinkLost = errors.New("link lost")

// Radio connects every device created from it
type Radio struct {
	mu          sync.Mutex
	peripherals []*Peripheral
	scans       map[*scan]struct{}
}

// NewRadio creates an empty medium
func NewRadio() *Radio {
	return &Radio{scans: make(map[*scan]struct{})}
}

func (r *Radio) findPeripheral(id string) *Peripheral {
	for _, p := range r.peripherals {
		if p.id == id {
			return p
		}
	}
	return nil
}

func charKey(id string) string {
	return strings.ToUpper(id)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// power models the adapter state a manager waits on before it is usable
type power struct {
	mu sync.Mutex
	on bool
	ch chan struct{}
}

func newPower(on bool) *power {
	p := &power{on: on, ch: make(chan struct{})}
	if on {
		close(p.ch)
	}
	return p
}

func (p *power) set(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case on && !p.on:
		close(p.ch)
	case !on && p.on:
		p.ch = make(chan struct{})
	}
	p.on = on
}

func (p *power) isOn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.on
}

func (p *power) wait(ctx context.Context) error {
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", transport.ErrNotReady, ctx.Err())
	}
}

type scan struct {
	central   *Central
	serviceID string
	box       *transport.Mailbox[transport.Peer]
	seen      map[string]bool
}

// offer reports p to the scanner once, if it advertises the scanned service
func (s *scan) offer(p *Peripheral) {
	if !p.advertising || !protocol.SameID(p.advService, s.serviceID) || s.seen[p.id] {
		return
	}
	s.seen[p.id] = true
	s.box.Push(p.peer())
	logger.Trace(s.central.prefix(), "🔍 discovered %s", p.peer())
}
