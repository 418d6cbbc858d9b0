package icm20948

import (
	"errors"
	"math"
	"testing"
	"time"
)

type fakeI2C struct {
	regs   map[byte][]byte
	writes []writeOp

	readErrFor map[byte]error
}

type writeOp struct {
	reg byte
	val byte
}

func (f *fakeI2C) ReadRegU8(reg byte) (byte, error) {
	if err := f.readErrFor[reg]; err != nil {
		return 0, err
	}
	b := f.regs[reg]
	if len(b) < 1 {
		return 0, errors.New("no reg")
	}
	return b[0], nil
}

func (f *fakeI2C) ReadReg(reg byte, dst []byte) error {
	if err := f.readErrFor[reg]; err != nil {
		return err
	}
	b := f.regs[reg]
	if len(b) < len(dst) {
		return errors.New("short reg")
	}
	copy(dst, b[:len(dst)])
	return nil
}

func (f *fakeI2C) WriteReg(reg, value byte) error {
	f.writes = append(f.writes, writeOp{reg: reg, val: value})
	return nil
}

func (f *fakeI2C) wrote(reg, val byte) bool {
	for _, w := range f.writes {
		if w.reg == reg && w.val == val {
			return true
		}
	}
	return false
}

func near(got, want float64) bool {
	return math.Abs(got-want) < 1e-9
}

func noSleep(t *testing.T) {
	t.Helper()
	oldSleep := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = oldSleep })
}

func newFakes() (*fakeI2C, *fakeI2C) {
	imu := &fakeI2C{regs: map[byte][]byte{regWhoAmI: {whoAmIVal}}}
	mag := &fakeI2C{regs: map[byte][]byte{regMagWIA2: {magWIA2Val}, regMagST1: {0x00}}}
	return imu, mag
}

func TestNew_WhoAmIMismatch(t *testing.T) {
	noSleep(t)
	imu, mag := newFakes()
	imu.regs[regWhoAmI] = []byte{0x00}
	if _, err := newWithIO(imu, mag); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNew_MagnetometerMissing(t *testing.T) {
	noSleep(t)
	imu, mag := newFakes()
	mag.readErrFor = map[byte]error{regMagWIA2: errors.New("nack")}
	if _, err := newWithIO(imu, mag); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNew_WritesExpectedInitRegisters(t *testing.T) {
	noSleep(t)
	imu, mag := newFakes()
	if _, err := newWithIO(imu, mag); err != nil {
		t.Fatalf("newWithIO: %v", err)
	}

	if !imu.wrote(regPwrMgmt1, bitReset) || !imu.wrote(regPwrMgmt1, 0x01) {
		t.Fatalf("expected reset and wake writes, got %v", imu.writes)
	}
	if !imu.wrote(regIntPinCfg, bitBypassEn) {
		t.Fatalf("expected bypass enable")
	}
	if !imu.wrote(regBankSel, bank2<<4) || !imu.wrote(regAccelConfig, fsAccel4g) {
		t.Fatalf("expected bank2 accel config")
	}
	if !mag.wrote(regMagCNTL2, magMode100) {
		t.Fatalf("expected magnetometer continuous mode, got %v", mag.writes)
	}
}

func TestRead_ScalesAccelAndMag(t *testing.T) {
	noSleep(t)
	imu, mag := newFakes()
	// ax=16384 -> 2g at 4g full scale; az=-16384 -> -2g.
	imu.regs[regAccelXoutH] = []byte{0x40, 0x00, 0x00, 0x00, 0xC0, 0x00}

	d, err := newWithIO(imu, mag)
	if err != nil {
		t.Fatalf("newWithIO: %v", err)
	}

	s, err := d.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if s.Ax < 1.99 || s.Ax > 2.01 || s.Az > -1.99 || s.Az < -2.01 {
		t.Fatalf("accel=(%v,%v,%v)", s.Ax, s.Ay, s.Az)
	}
	if s.MagValid {
		t.Fatalf("mag valid before first measurement")
	}

	// mx=100, my=-200, mz=300 little-endian, then TMPS and ST2.
	mag.regs[regMagST1] = []byte{bitMagDRDY}
	mag.regs[regMagHXL] = []byte{0x64, 0x00, 0x38, 0xFF, 0x2C, 0x01, 0x00, 0x00}
	s, err = d.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !s.MagValid {
		t.Fatalf("expected valid mag")
	}
	if !near(s.Mx, 15) || !near(s.My, 30) || !near(s.Mz, -45) {
		t.Fatalf("mag=(%v,%v,%v) want (15,30,-45)", s.Mx, s.My, s.Mz)
	}

	// Not ready: the previous field is kept.
	mag.regs[regMagST1] = []byte{0x00}
	s, _ = d.Read()
	if !s.MagValid || !near(s.Mx, 15) {
		t.Fatalf("expected cached field, got %+v", s)
	}

	// Overflow invalidates the field.
	mag.regs[regMagST1] = []byte{bitMagDRDY}
	mag.regs[regMagHXL] = []byte{0, 0, 0, 0, 0, 0, 0, bitMagHOFL}
	s, _ = d.Read()
	if s.MagValid {
		t.Fatalf("expected overflow to invalidate the field")
	}
}
