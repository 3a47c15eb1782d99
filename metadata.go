package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// DeviceType is the normalized peripheral kind.
type DeviceType int

const (
	DeviceMouse DeviceType = iota
	DeviceKeyboard
	DeviceHeadset
)

func (t DeviceType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t DeviceType) String() string {
	switch t {
	case DeviceKeyboard:
		return "keyboard"
	case DeviceHeadset:
		return "headset"
	}
	return "mouse"
}

// deviceTypeFromCode maps the wire code from the name/type feature. Unknown
// codes fall back to mouse; this is the one shared default policy for the
// whole process.
func deviceTypeFromCode(code byte) DeviceType {
	switch code {
	case 0x00:
		return DeviceKeyboard
	case 0x03:
		return DeviceMouse
	case 0x08:
		return DeviceHeadset
	default:
		logger.Debug().Uint8("code", code).Msg("unknown device type code, defaulting to mouse")
		return DeviceMouse
	}
}

// firmwareInfo is the decoded device-information response.
type firmwareInfo struct {
	UnitID          string
	ModelID         string
	SerialSupported bool
}

// nameChunkSize is how many name bytes each sequential read returns.
const nameChunkSize = 3

// firmwareInfoMinLen is the minimum payload carrying unit id, model id and
// the capability bits.
const firmwareInfoMinLen = 15

// metadataClient performs the per-device identity queries during
// initialization. All calls are retried under the metadata profile; a
// still-empty result after retries is a hard error for that device's init.
type metadataClient struct {
	tr       hidConn
	profiles BackoffProfiles
}

func (c *metadataClient) query(ctx context.Context, req *Message) (*Message, bool) {
	return retry(ctx, c.profiles.Metadata, func(ctx context.Context, timeout time.Duration) (*Message, bool) {
		resp, err := c.tr.Request(ctx, req, matchFeatureResponse(req), timeout)
		if err != nil {
			return nil, false
		}
		return resp, true
	})
}

// deviceName reads the display name: length first, then sequential
// fixed-size chunks at increasing offsets until the accumulated length is
// met. Trailing NUL padding is trimmed.
func (c *metadataClient) deviceName(ctx context.Context, deviceIndex, featureIndex byte) (string, error) {
	lengthResp, ok := c.query(ctx, featureRequest(deviceIndex, featureIndex, 0x0))
	if !ok || len(lengthResp.Params) < 1 {
		return "", fmt.Errorf("device %d: name length query failed", deviceIndex)
	}
	total := int(lengthResp.Params[0])
	if total == 0 {
		return "", fmt.Errorf("device %d: zero-length name", deviceIndex)
	}

	var sb strings.Builder
	for offset := 0; sb.Len() < total; offset += nameChunkSize {
		resp, ok := c.query(ctx, featureRequest(deviceIndex, featureIndex, 0x1, byte(offset)))
		if !ok || len(resp.Params) < nameChunkSize {
			return "", fmt.Errorf("device %d: name chunk at offset %d failed", deviceIndex, offset)
		}
		sb.Write(resp.Params[:nameChunkSize])
	}
	name := sb.String()
	if len(name) > total {
		name = name[:total]
	}
	return strings.TrimRight(name, "\x00"), nil
}

// deviceType queries the peripheral kind via the name/type feature.
func (c *metadataClient) deviceType(ctx context.Context, deviceIndex, featureIndex byte) (DeviceType, error) {
	resp, ok := c.query(ctx, featureRequest(deviceIndex, featureIndex, 0x2))
	if !ok || len(resp.Params) < 1 {
		return DeviceMouse, fmt.Errorf("device %d: type query failed", deviceIndex)
	}
	return deviceTypeFromCode(resp.Params[0]), nil
}

// deviceFirmwareInfo queries unit id (4 bytes), model id (5 bytes) and the
// serial-number-supported capability bit. A short payload is a hard error,
// not something to paper over.
func (c *metadataClient) deviceFirmwareInfo(ctx context.Context, deviceIndex, featureIndex byte) (firmwareInfo, error) {
	resp, ok := c.query(ctx, featureRequest(deviceIndex, featureIndex, 0x0))
	if !ok {
		return firmwareInfo{}, fmt.Errorf("device %d: firmware info query failed", deviceIndex)
	}
	if len(resp.Params) < firmwareInfoMinLen {
		return firmwareInfo{}, fmt.Errorf("device %d: firmware info payload too short (%d bytes)", deviceIndex, len(resp.Params))
	}
	return firmwareInfo{
		UnitID:          strings.ToUpper(hex.EncodeToString(resp.Params[1:5])),
		ModelID:         strings.ToUpper(hex.EncodeToString(resp.Params[7:12])),
		SerialSupported: resp.Params[14]&0x01 != 0,
	}, nil
}

// serialNumberLen is the fixed on-wire serial length.
const serialNumberLen = 11

// deviceSerialNumber reads the 11-byte serial. Only called when firmware
// info advertised support.
func (c *metadataClient) deviceSerialNumber(ctx context.Context, deviceIndex, featureIndex byte) (string, error) {
	resp, ok := c.query(ctx, featureRequest(deviceIndex, featureIndex, 0x2))
	if !ok || len(resp.Params) < serialNumberLen {
		return "", fmt.Errorf("device %d: serial query failed", deviceIndex)
	}
	return strings.TrimRight(string(resp.Params[:serialNumberLen]), "\x00"), nil
}

// generateIdentifier derives the stable device identity: serial when
// available, else unitId-modelId, else a hash of the display name. The
// result must not change across reconnects of the same physical unit; the
// IPC layer keys devices by it.
func generateIdentifier(serial, unitID, modelID, name string) string {
	if serial != "" {
		return serial
	}
	if unitID != "" && modelID != "" {
		return unitID + "-" + modelID
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return fmt.Sprintf("%08x", h.Sum32())
}
