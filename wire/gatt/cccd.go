package gatt

import (
	"encoding/binary"
	"sync"

	"github.com/user/blexchange/wire/att"
)

// CCCD (Client Characteristic Configuration Descriptor) values
// These are written by clients to enable/disable notifications and indications
const (
	CCCDNotificationsDisabled = 0x0000
	CCCDNotificationsEnabled  = 0x0001
	CCCDIndicationsEnabled    = 0x0002
	CCCDBothEnabled           = 0x0003
)

// SubscriptionState represents the subscription state for a characteristic
type SubscriptionState struct {
	Handle          uint16 // Characteristic value handle
	NotifyEnabled   bool
	IndicateEnabled bool
}

// Subscribed reports whether either notifications or indications are on
func (s SubscriptionState) Subscribed() bool {
	return s.NotifyEnabled || s.IndicateEnabled
}

// CCCDManager manages CCCD subscriptions for one connection.
// CCCD values are never shared across connections and are dropped with the link.
type CCCDManager struct {
	mu            sync.RWMutex
	subscriptions map[uint16]*SubscriptionState // value handle -> state
}

// NewCCCDManager creates a new CCCD manager for a connection
func NewCCCDManager() *CCCDManager {
	return &CCCDManager{
		subscriptions: make(map[uint16]*SubscriptionState),
	}
}

// SetSubscription applies a CCCD write (2 bytes, little-endian) for a characteristic.
// changed reports whether the subscribed/unsubscribed status flipped.
func (cm *CCCDManager) SetSubscription(charHandle uint16, cccdValue []byte) (changed bool, err error) {
	notify, indicate, err := DecodeCCCDValue(cccdValue)
	if err != nil {
		return false, err
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	before := false
	if state, exists := cm.subscriptions[charHandle]; exists {
		before = state.Subscribed()
	}

	state := &SubscriptionState{Handle: charHandle, NotifyEnabled: notify, IndicateEnabled: indicate}
	if state.Subscribed() {
		cm.subscriptions[charHandle] = state
	} else {
		delete(cm.subscriptions, charHandle)
	}

	return before != state.Subscribed(), nil
}

// IsSubscribed returns true if notifications or indications are enabled for a characteristic
func (cm *CCCDManager) IsSubscribed(charHandle uint16) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	state, exists := cm.subscriptions[charHandle]
	return exists && state.Subscribed()
}

// Handles returns the value handles with an active subscription
func (cm *CCCDManager) Handles() []uint16 {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	handles := make([]uint16, 0, len(cm.subscriptions))
	for h := range cm.subscriptions {
		handles = append(handles, h)
	}
	return handles
}

// Clear removes all subscriptions (called when the connection is closed)
// and returns the handles that were subscribed
func (cm *CCCDManager) Clear() []uint16 {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	handles := make([]uint16, 0, len(cm.subscriptions))
	for h := range cm.subscriptions {
		handles = append(handles, h)
	}
	cm.subscriptions = make(map[uint16]*SubscriptionState)
	return handles
}

// EncodeCCCDValue converts subscription state to CCCD value bytes (little-endian)
func EncodeCCCDValue(notifyEnabled, indicateEnabled bool) []byte {
	var value uint16
	if notifyEnabled {
		value |= CCCDNotificationsEnabled
	}
	if indicateEnabled {
		value |= CCCDIndicationsEnabled
	}

	cccdValue := make([]byte, 2)
	binary.LittleEndian.PutUint16(cccdValue, value)
	return cccdValue
}

// DecodeCCCDValue parses CCCD value bytes to notification/indication flags
func DecodeCCCDValue(cccdValue []byte) (notifyEnabled, indicateEnabled bool, err error) {
	if len(cccdValue) != 2 {
		return false, false, att.NewError(att.ErrInvalidAttributeValueLength, att.OpWriteRequest, 0)
	}

	value := binary.LittleEndian.Uint16(cccdValue)
	if value&^uint16(CCCDBothEnabled) != 0 {
		return false, false, att.NewError(att.ErrCCCDImproperlyConfigured, att.OpWriteRequest, 0)
	}
	notifyEnabled = (value & CCCDNotificationsEnabled) != 0
	indicateEnabled = (value & CCCDIndicationsEnabled) != 0

	return notifyEnabled, indicateEnabled, nil
}
