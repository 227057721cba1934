package usbstack

import (
	"testing"

	"github.com/google/gousb"
)

func TestMatch_Brick(t *testing.T) {
	desc := &gousb.DeviceDesc{Vendor: 0x16D0, Product: 0x063D, Device: gousb.BCD(0x0110)}
	kind, ok := Match(desc)
	if !ok || kind != KindBrick {
		t.Fatalf("Match() = (%v, %v), want (KindBrick, true)", kind, ok)
	}
}

func TestMatch_RedBrick(t *testing.T) {
	desc := &gousb.DeviceDesc{Vendor: 0x16D0, Product: 0x09E5, Device: gousb.BCD(0x0200)}
	kind, ok := Match(desc)
	if !ok || kind != KindRedBrick {
		t.Fatalf("Match() = (%v, %v), want (KindRedBrick, true)", kind, ok)
	}
}

func TestMatch_WrongRelease(t *testing.T) {
	desc := &gousb.DeviceDesc{Vendor: 0x16D0, Product: 0x063D, Device: gousb.BCD(0x0100)}
	if _, ok := Match(desc); ok {
		t.Fatalf("Match() accepted a release below the minimum")
	}
}

func TestMatch_UnknownVendor(t *testing.T) {
	desc := &gousb.DeviceDesc{Vendor: 0x1234, Product: 0x5678, Device: gousb.BCD(0x0110)}
	if _, ok := Match(desc); ok {
		t.Fatalf("Match() accepted an unrelated vendor/product pair")
	}
}
