package main

import (
	"context"
	"encoding/json"
	"math/bits"
	"time"
)

// ChargingStatus is the normalized charging state reported outward.
type ChargingStatus int

const (
	StatusUnknown ChargingStatus = iota
	StatusCharging
	StatusDischarging
	StatusNotCharging
)

func (s ChargingStatus) String() string {
	switch s {
	case StatusCharging:
		return "charging"
	case StatusDischarging:
		return "discharging"
	case StatusNotCharging:
		return "not-charging"
	}
	return "unknown"
}

func (s ChargingStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// BatteryReading is one normalized battery sample. Millivolts is -1 when
// the reporting feature has no voltage channel.
type BatteryReading struct {
	Percentage int
	Status     ChargingStatus
	Millivolts int
}

// BatteryVariant is the closed set of battery feature implementations. A
// device gets exactly one, picked from its feature map; new variants are
// added here, never registered dynamically.
type BatteryVariant int

const (
	BatteryUnsupported BatteryVariant = iota
	BatteryUnifiedLevel
	BatteryVoltage
	BatteryUnifiedBattery
)

func (v BatteryVariant) String() string {
	switch v {
	case BatteryUnifiedLevel:
		return "unified-level"
	case BatteryVoltage:
		return "voltage"
	case BatteryUnifiedBattery:
		return "unified-battery"
	}
	return "unsupported"
}

// FeatureID returns the HID++ 2.0 feature id backing the variant.
func (v BatteryVariant) FeatureID() uint16 {
	switch v {
	case BatteryUnifiedLevel:
		return featureUnifiedLevel
	case BatteryVoltage:
		return featureVoltage
	case BatteryUnifiedBattery:
		return featureUnifiedBattery
	}
	return 0
}

// batteryPriority is the selection order. Unified level gives a native
// percentage and is always preferred; voltage beats unified battery because
// it at least exposes millivolts for diagnostics.
var batteryPriority = []BatteryVariant{BatteryUnifiedLevel, BatteryVoltage, BatteryUnifiedBattery}

// selectBatteryVariant picks the best supported variant from a device's
// feature map and returns it with its feature index. Deterministic and
// side-effect free.
func selectBatteryVariant(features map[uint16]byte) (BatteryVariant, byte) {
	for _, v := range batteryPriority {
		if idx, ok := features[v.FeatureID()]; ok {
			return v, idx
		}
	}
	return BatteryUnsupported, 0
}

// queryFuncID returns the feature function used for a solicited read.
// Unified battery shares the unified-level response layout but answers a
// different function code.
func (v BatteryVariant) queryFuncID() byte {
	if v == BatteryUnifiedBattery {
		return 0x1
	}
	return 0x0
}

// Query requests a battery reading over the transport. A missing or corrupt
// response yields ok=false; the caller retries per its backoff profile.
func (v BatteryVariant) Query(ctx context.Context, tr hidConn, deviceIndex, featureIndex byte, timeout time.Duration) (BatteryReading, bool) {
	if v == BatteryUnsupported {
		return BatteryReading{}, false
	}
	req := featureRequest(deviceIndex, featureIndex, v.queryFuncID())
	resp, err := tr.Request(ctx, req, matchFeatureResponse(req), timeout)
	if err != nil {
		return BatteryReading{}, false
	}
	return v.parseParams(resp.Params)
}

// ParseEvent decodes an unsolicited broadcast carrying a battery state
// change for the feature index this variant was bound to.
func (v BatteryVariant) ParseEvent(m *Message, featureIndex byte) (BatteryReading, bool) {
	if v == BatteryUnsupported || m.FeatureIndex() != featureIndex {
		return BatteryReading{}, false
	}
	return v.parseParams(m.Params)
}

func (v BatteryVariant) parseParams(params []byte) (BatteryReading, bool) {
	switch v {
	case BatteryUnifiedLevel, BatteryUnifiedBattery:
		return parseUnifiedParams(params)
	case BatteryVoltage:
		return parseVoltageParams(params)
	}
	return BatteryReading{}, false
}

// parseUnifiedParams reads the shared unified battery layout: percentage,
// a level-flags byte, then the charging status code. The flags byte must
// have exactly one bit set; anything else marks an inconsistent report and
// the whole reading is discarded rather than risking a wrong value.
func parseUnifiedParams(params []byte) (BatteryReading, bool) {
	if len(params) < 3 {
		return BatteryReading{}, false
	}
	if bits.OnesCount8(params[1]) != 1 {
		return BatteryReading{}, false
	}
	return BatteryReading{
		Percentage: clampPercent(int(params[0])),
		Status:     chargingStatusFromCode(params[2]),
		Millivolts: -1,
	}, true
}

// parseVoltageParams reads the voltage feature layout: big-endian
// millivolts then a charge-state flags byte. Percentage is estimated from
// the discharge table.
func parseVoltageParams(params []byte) (BatteryReading, bool) {
	if len(params) < 3 {
		return BatteryReading{}, false
	}
	mv := int(params[0])<<8 | int(params[1])
	if mv == 0 {
		return BatteryReading{}, false
	}
	status := StatusDischarging
	if params[2]&0x80 != 0 {
		status = StatusCharging
	}
	return BatteryReading{
		Percentage: percentFromVoltage(mv),
		Status:     status,
		Millivolts: mv,
	}, true
}

func chargingStatusFromCode(code byte) ChargingStatus {
	switch code {
	case 0:
		return StatusDischarging
	case 1, 2:
		return StatusCharging
	case 3:
		return StatusNotCharging
	default:
		return StatusUnknown
	}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// voltageCurve maps position to millivolts along a measured Li-Po discharge
// curve, descending from full charge. Entry i below the measured voltage
// means the cell still holds (100-i)%.
var voltageCurve = [100]int{
	4186, 4156, 4143, 4133, 4122, 4113, 4103, 4094, 4086, 4076,
	4067, 4060, 4051, 4043, 4036, 4027, 4019, 4012, 4004, 3997,
	3989, 3983, 3976, 3969, 3961, 3955, 3949, 3942, 3935, 3929,
	3922, 3916, 3909, 3902, 3896, 3890, 3883, 3877, 3870, 3865,
	3859, 3853, 3848, 3842, 3837, 3833, 3828, 3824, 3819, 3815,
	3811, 3808, 3804, 3800, 3797, 3793, 3790, 3787, 3784, 3781,
	3778, 3775, 3772, 3770, 3767, 3764, 3762, 3759, 3757, 3754,
	3751, 3748, 3744, 3741, 3737, 3734, 3730, 3726, 3724, 3720,
	3717, 3714, 3710, 3706, 3702, 3697, 3693, 3688, 3683, 3677,
	3671, 3666, 3662, 3658, 3654, 3646, 3633, 3612, 3579, 3537,
}

// percentFromVoltage scans for the first curve entry strictly below the
// measured voltage; voltages above the top of the curve saturate at 100 and
// below the bottom at 0.
func percentFromVoltage(mv int) int {
	for i, v := range voltageCurve {
		if v < mv {
			return len(voltageCurve) - i
		}
	}
	return 0
}
