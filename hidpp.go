package main

import (
	"errors"
	"fmt"
)

// HID++ report framing. Short reports carry HID++ 1.0 register traffic and
// pings; long reports carry HID++ 2.0 feature traffic and most responses.
const (
	reportIDShort byte = 0x10
	reportIDLong  byte = 0x11

	reportLenShort = 7
	reportLenLong  = 20

	paramsLenShort = 3
	paramsLenLong  = 16
)

// Device index 0xFF addresses the receiver itself; 1-6 address paired slots.
const (
	indexReceiver byte = 0xFF
	minSlotIndex  byte = 1
	maxSlotIndex  byte = 6
)

// HID++ 1.0 sub ids (receiver register protocol).
const (
	subIDDeviceDisconnect byte = 0x40
	subIDDeviceConnect    byte = 0x41
	subIDSetRegister      byte = 0x80
	subIDGetRegister      byte = 0x81
	subIDError            byte = 0x8F
)

// HID++ 1.0 receiver registers.
const (
	registerNotifications   byte = 0x00
	registerConnectionState byte = 0x02
)

// Wireless notification enable bits for register 0x00.
const (
	notifyBatteryStatus    byte = 1 << 4 // param 0
	notifyWireless         byte = 1 << 0 // param 1
	notifySoftwarePresent  byte = 1 << 3 // param 1
	connectionStateRefresh byte = 0x02   // register 0x02 write: force announce
)

// HID++ 2.0 feature ids used by this process.
const (
	featureRoot           uint16 = 0x0000
	featureSet            uint16 = 0x0001
	featureDeviceInfo     uint16 = 0x0003
	featureNameType       uint16 = 0x0005
	featureUnifiedLevel   uint16 = 0x1000
	featureVoltage        uint16 = 0x1001
	featureUnifiedBattery uint16 = 0x1004
)

// softwareID tags our outgoing HID++ 2.0 requests so responses on a shared
// channel can be told apart from other software talking to the same device.
const softwareID byte = 0x0A

var errNotHidpp = errors.New("not a HID++ report")

// hidppError is the decoded form of an 0x8F error report.
type hidppError struct {
	SubID   byte
	Address byte
	Code    byte
}

func (e *hidppError) Error() string {
	return fmt.Sprintf("hidpp error 0x%02x (sub=0x%02x addr=0x%02x)", e.Code, e.SubID, e.Address)
}

// Message is a decoded HID++ report. For 1.0 traffic SubID is the message
// sub id and Address the register; for 2.0 traffic SubID is the feature
// index and Address packs funcID<<4|softwareID.
type Message struct {
	ReportID    byte
	DeviceIndex byte
	SubID       byte
	Address     byte
	Params      []byte
}

func (m *Message) FunctionID() byte { return m.Address >> 4 }
func (m *Message) SoftwareID() byte { return m.Address & 0x0F }

// FeatureIndex aliases SubID for HID++ 2.0 messages.
func (m *Message) FeatureIndex() byte { return m.SubID }

func (m *Message) IsError() bool { return m.SubID == subIDError }

// AsError decodes an 0x8F report. The first two params echo the failed
// request's sub id and address; the third is the error code.
func (m *Message) AsError() *hidppError {
	if !m.IsError() || len(m.Params) < 2 {
		return &hidppError{Code: 0x01}
	}
	return &hidppError{SubID: m.Address, Address: m.Params[0], Code: m.Params[1]}
}

func (m *Message) String() string {
	return fmt.Sprintf("hidpp[%02x] dev=%d sub=0x%02x addr=0x%02x params=% x",
		m.ReportID, m.DeviceIndex, m.SubID, m.Address, m.Params)
}

// parseMessage decodes a raw HID report into a Message. Reports that are
// neither short nor long HID++ frames (mouse movement, DJ traffic, vendor
// noise) yield errNotHidpp and are dropped by the read loop.
func parseMessage(buf []byte) (*Message, error) {
	switch {
	case len(buf) >= reportLenShort && buf[0] == reportIDShort:
		m := &Message{
			ReportID:    reportIDShort,
			DeviceIndex: buf[1],
			SubID:       buf[2],
			Address:     buf[3],
			Params:      make([]byte, paramsLenShort),
		}
		copy(m.Params, buf[4:reportLenShort])
		return m, nil
	case len(buf) >= reportLenLong && buf[0] == reportIDLong:
		m := &Message{
			ReportID:    reportIDLong,
			DeviceIndex: buf[1],
			SubID:       buf[2],
			Address:     buf[3],
			Params:      make([]byte, paramsLenLong),
		}
		copy(m.Params, buf[4:reportLenLong])
		return m, nil
	}
	return nil, errNotHidpp
}

// toWire encodes the message at its report's fixed length. Params beyond
// the report capacity are truncated; missing bytes are zero.
func (m *Message) toWire() []byte {
	size := reportLenShort
	if m.ReportID == reportIDLong {
		size = reportLenLong
	}
	buf := make([]byte, size)
	buf[0] = m.ReportID
	buf[1] = m.DeviceIndex
	buf[2] = m.SubID
	buf[3] = m.Address
	copy(buf[4:], m.Params)
	return buf
}

// setRegisterRequest builds a HID++ 1.0 short register write to the receiver.
func setRegisterRequest(register byte, params ...byte) *Message {
	return &Message{
		ReportID:    reportIDShort,
		DeviceIndex: indexReceiver,
		SubID:       subIDSetRegister,
		Address:     register,
		Params:      params,
	}
}

// getRegisterRequest builds a HID++ 1.0 short register read from the receiver.
func getRegisterRequest(register byte) *Message {
	return &Message{
		ReportID:    reportIDShort,
		DeviceIndex: indexReceiver,
		SubID:       subIDGetRegister,
		Address:     register,
	}
}

// featureRequest builds a HID++ 2.0 request against a device slot. Long
// report so that 16-byte responses fit regardless of what the device picks.
func featureRequest(deviceIndex, featureIndex, funcID byte, params ...byte) *Message {
	return &Message{
		ReportID:    reportIDLong,
		DeviceIndex: deviceIndex,
		SubID:       featureIndex,
		Address:     funcID<<4 | softwareID,
		Params:      params,
	}
}

// matchRegisterResponse reports whether resp answers the given 1.0 register
// request. Error reports addressed to the same sub id also match so the
// requester sees the failure instead of timing out.
func matchRegisterResponse(req *Message) func(*Message) bool {
	return func(resp *Message) bool {
		if resp.DeviceIndex != req.DeviceIndex {
			return false
		}
		if resp.IsError() {
			return resp.Address == req.SubID && len(resp.Params) > 0 && resp.Params[0] == req.Address
		}
		return resp.SubID == req.SubID && resp.Address == req.Address
	}
}

// matchFeatureResponse reports whether resp answers the given 2.0 feature
// request: same slot, same feature index, same function and our software id.
func matchFeatureResponse(req *Message) func(*Message) bool {
	return func(resp *Message) bool {
		if resp.DeviceIndex != req.DeviceIndex {
			return false
		}
		if resp.IsError() {
			return resp.Address == req.SubID && len(resp.Params) > 0 && resp.Params[0] == req.Address
		}
		return resp.SubID == req.SubID && resp.Address == req.Address
	}
}

// connectionEvent is the decoded form of an unsolicited 0x41 announcement.
type connectionEvent struct {
	SlotIndex   byte
	Protocol    byte
	DeviceType  byte
	Online      bool
	WirelessPID uint16
}

// parseConnectionEvent decodes a device connection announcement. For
// notifications the Address byte is the first parameter on the wire: it
// carries the protocol type, the next byte packs the device type in the low
// nibble and "link not established" in bit 6, then the wireless PID.
func parseConnectionEvent(m *Message) (connectionEvent, bool) {
	if m.SubID != subIDDeviceConnect || len(m.Params) < 3 {
		return connectionEvent{}, false
	}
	if m.DeviceIndex < minSlotIndex || m.DeviceIndex > maxSlotIndex {
		return connectionEvent{}, false
	}
	return connectionEvent{
		SlotIndex:   m.DeviceIndex,
		Protocol:    m.Address,
		DeviceType:  m.Params[0] & 0x0F,
		Online:      m.Params[0]&0x40 == 0,
		WirelessPID: uint16(m.Params[2])<<8 | uint16(m.Params[1]),
	}, true
}
