//go:build linux

package i2c

import (
	"os"
	"strings"
	"testing"
)

func devNullBus(t *testing.T) *Bus {
	t.Helper()
	f, err := os.OpenFile("/dev/null", os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("OpenFile /dev/null: %v", err)
	}
	b := &Bus{f: f, path: "/dev/null"}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestDevTx_InvalidAddr(t *testing.T) {
	b := devNullBus(t)
	for _, addr := range []uint16{0, 0x80} {
		err := b.Dev(addr).Write([]byte{0x00})
		if err == nil || !strings.Contains(err.Error(), "invalid addr") {
			t.Fatalf("addr=0x%X err=%v want invalid addr", addr, err)
		}
	}
}

func TestDevTx_EmptyIsNoop(t *testing.T) {
	b := devNullBus(t)
	n, err := b.Dev(0x68).tx(nil, nil)
	if err != nil || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}

func TestDevTx_ClosedBus(t *testing.T) {
	b := devNullBus(t)
	d := b.Dev(0x0C)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.WriteReg(0x31, 0x08); err == nil || !strings.Contains(err.Error(), "bus closed") {
		t.Fatalf("err=%v want bus closed", err)
	}
}

func TestOpen_MissingDevice(t *testing.T) {
	if _, err := Open("/dev/i2c-does-not-exist"); err == nil {
		t.Fatalf("expected error")
	}
}
