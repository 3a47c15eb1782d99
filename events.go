package main

import (
	"encoding/json"
	"time"
)

// EventKind distinguishes the three outward signals consumed by the IPC
// layer.
type EventKind int

const (
	EventInit EventKind = iota
	EventUpdate
	EventRemove
)

func (k EventKind) String() string {
	switch k {
	case EventInit:
		return "init"
	case EventUpdate:
		return "update"
	case EventRemove:
		return "remove"
	}
	return "unknown"
}

func (k EventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Removal reasons. Machine tags for logging and UX only; nothing parses
// them for control flow.
const (
	reasonReceiverRemoved = "receiver_removed"
	reasonGhubDisconnect  = "ghub_disconnect"
	reasonShutdown        = "rediscover_cleanup"
	reasonSlotReassigned  = "slot_reassigned"
)

// DeviceEvent is one normalized signal on the outward boundary. DeviceID is
// the resolved stable identifier; Signature is a per-process-session unique
// tag minted at Init so the consumer can tell re-initializations apart.
type DeviceEvent struct {
	Kind       EventKind      `json:"kind"`
	DeviceID   string         `json:"deviceId"`
	Name       string         `json:"name,omitempty"`
	HasBattery bool           `json:"hasBattery"`
	DeviceType DeviceType     `json:"deviceType"`
	Signature  string         `json:"signature,omitempty"`
	Percentage int            `json:"percentage"`
	Status     ChargingStatus `json:"chargingStatus,omitempty"`
	Millivolts int            `json:"millivolts,omitempty"`
	Timestamp  time.Time      `json:"timestamp,omitempty"`
	Mileage    float64        `json:"mileage,omitempty"`
	WiredMode  bool           `json:"isWiredMode,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}
