package main

import (
	"testing"

	"github.com/sstallion/go-hid"
	"github.com/stretchr/testify/assert"
)

func TestIsHidppInterface(t *testing.T) {
	tests := []struct {
		name string
		info *hid.DeviceInfo
		want bool
	}{
		{
			name: "vendor page on a logitech receiver",
			info: &hid.DeviceInfo{VendorID: 0x046D, ProductID: 0xC539, UsagePage: 0xFF00},
			want: true,
		},
		{
			name: "higher vendor page",
			info: &hid.DeviceInfo{VendorID: 0x046D, ProductID: 0xC539, UsagePage: 0xFF43},
			want: true,
		},
		{
			name: "other vendor",
			info: &hid.DeviceInfo{VendorID: 0x1532, ProductID: 0xC539, UsagePage: 0xFF00},
			want: false,
		},
		{
			name: "boot mouse collection",
			info: &hid.DeviceInfo{VendorID: 0x046D, ProductID: 0xC539, UsagePage: 0x0001},
			want: false,
		},
		{
			name: "virtual keyboard path",
			info: &hid.DeviceInfo{VendorID: 0x046D, ProductID: 0xC539, UsagePage: 0xFF00, Path: `\\?\hid#vid_046d\\KBD#inst`},
			want: false,
		},
		{
			name: "nil info",
			info: nil,
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isHidppInterface(tt.info))
		})
	}
}
