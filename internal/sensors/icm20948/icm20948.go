// Package icm20948 reads the accelerometer and the on-package AK09916
// magnetometer of an ICM-20948, which together give a tilt-compensated
// compass.
package icm20948

import (
	"fmt"
	"time"

	"compass-ng/internal/i2c"
)

var sleep = time.Sleep

const (
	addrDefault = 0x68
	addrMag     = 0x0C

	regWhoAmI  = 0x00
	whoAmIVal  = 0xEA
	regBankSel = 0x7F

	// Bank 0.
	regUserCtrl   = 0x03
	regPwrMgmt1   = 0x06
	bitReset      = 0x80
	regIntPinCfg  = 0x0F
	bitBypassEn   = 0x02
	regIntEnable  = 0x10
	regAccelXoutH = 0x2D

	// Bank 2.
	bank2           = 2
	regAccelSmplrt2 = 0x11
	regAccelConfig  = 0x14
	fsAccel4g       = 0x02

	// AK09916.
	regMagWIA2  = 0x01
	magWIA2Val  = 0x09
	regMagST1   = 0x10
	bitMagDRDY  = 0x01
	regMagHXL   = 0x11
	bitMagHOFL  = 0x08
	regMagCNTL2 = 0x31
	magMode100  = 0x08
	regMagCNTL3 = 0x32
	bitMagSRST  = 0x01

	magScaleMicroTesla = 0.15
)

// Sample is one reading in the accelerometer frame.
type Sample struct {
	Time time.Time
	// Accel in G.
	Ax, Ay, Az float64
	// Magnetic field in µT. MagValid is false until the first good
	// measurement and after a sensor overflow.
	Mx, My, Mz float64
	MagValid   bool
}

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

type Device struct {
	imu regIO
	mag regIO

	curBank    byte
	scaleAccel float64

	lastMag  [3]float64
	magValid bool
}

func DefaultAddress() uint16 { return addrDefault }

// New probes both chips on bus. addr 0 selects the default IMU address.
func New(bus *i2c.Bus, addr uint16) (*Device, error) {
	if bus == nil {
		return nil, fmt.Errorf("icm20948: bus is nil")
	}
	if addr == 0 {
		addr = addrDefault
	}
	return newWithIO(bus.Dev(addr), bus.Dev(addrMag))
}

func newWithIO(imu, mag regIO) (*Device, error) {
	if imu == nil || mag == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	d := &Device{imu: imu, mag: mag, curBank: 0xFF}

	who, err := d.imu.ReadRegU8(regWhoAmI)
	if err != nil {
		return nil, fmt.Errorf("icm20948: whoami read failed: %w", err)
	}
	if who != whoAmIVal {
		return nil, fmt.Errorf("icm20948: whoami=0x%02X want 0x%02X", who, whoAmIVal)
	}
	if err := d.initIMU(); err != nil {
		return nil, err
	}
	if err := d.initMag(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) initIMU() error {
	if err := d.setBank(0); err != nil {
		return err
	}
	_ = d.imu.WriteReg(regIntEnable, 0x00)

	if err := d.imu.WriteReg(regPwrMgmt1, bitReset); err != nil {
		return fmt.Errorf("icm20948: reset failed: %w", err)
	}
	// The reset drops the bank selection.
	d.curBank = 0
	sleep(100 * time.Millisecond)

	// Wake with the PLL clock.
	if err := d.imu.WriteReg(regPwrMgmt1, 0x01); err != nil {
		return fmt.Errorf("icm20948: wake failed: %w", err)
	}
	sleep(10 * time.Millisecond)

	// The host talks to the magnetometer directly: internal I2C master off,
	// auxiliary bus bridged to the main one.
	if err := d.imu.WriteReg(regUserCtrl, 0x00); err != nil {
		return fmt.Errorf("icm20948: user ctrl failed: %w", err)
	}
	if err := d.imu.WriteReg(regIntPinCfg, bitBypassEn); err != nil {
		return fmt.Errorf("icm20948: bypass enable failed: %w", err)
	}

	if err := d.setBank(bank2); err != nil {
		return err
	}
	// 1125/(div+1) Hz; div 21 is about 50 Hz.
	_ = d.imu.WriteReg(regAccelSmplrt2, byte(1125/50-1))
	if err := d.imu.WriteReg(regAccelConfig, fsAccel4g); err != nil {
		return fmt.Errorf("icm20948: accel config failed: %w", err)
	}
	if err := d.setBank(0); err != nil {
		return err
	}
	d.scaleAccel = 4.0 / 32768.0
	return nil
}

func (d *Device) initMag() error {
	wia, err := d.mag.ReadRegU8(regMagWIA2)
	if err != nil {
		return fmt.Errorf("icm20948: magnetometer not reachable: %w", err)
	}
	if wia != magWIA2Val {
		return fmt.Errorf("icm20948: magnetometer id=0x%02X want 0x%02X", wia, magWIA2Val)
	}
	if err := d.mag.WriteReg(regMagCNTL3, bitMagSRST); err != nil {
		return fmt.Errorf("icm20948: magnetometer reset failed: %w", err)
	}
	sleep(10 * time.Millisecond)
	if err := d.mag.WriteReg(regMagCNTL2, magMode100); err != nil {
		return fmt.Errorf("icm20948: magnetometer mode failed: %w", err)
	}
	return nil
}

func (d *Device) setBank(bank byte) error {
	if d.curBank == bank {
		return nil
	}
	if err := d.imu.WriteReg(regBankSel, bank<<4); err != nil {
		return fmt.Errorf("icm20948: set bank %d failed: %w", bank, err)
	}
	d.curBank = bank
	return nil
}

func (d *Device) Read() (Sample, error) {
	if d == nil {
		return Sample{}, fmt.Errorf("icm20948: device is nil")
	}
	if err := d.setBank(0); err != nil {
		return Sample{}, err
	}

	buf := make([]byte, 6)
	if err := d.imu.ReadReg(regAccelXoutH, buf); err != nil {
		return Sample{}, fmt.Errorf("icm20948: read accel failed: %w", err)
	}
	ax := int16(buf[0])<<8 | int16(buf[1])
	ay := int16(buf[2])<<8 | int16(buf[3])
	az := int16(buf[4])<<8 | int16(buf[5])

	if err := d.readMag(); err != nil {
		return Sample{}, err
	}

	return Sample{
		Time:     time.Now(),
		Ax:       float64(ax) * d.scaleAccel,
		Ay:       float64(ay) * d.scaleAccel,
		Az:       float64(az) * d.scaleAccel,
		Mx:       d.lastMag[0],
		My:       d.lastMag[1],
		Mz:       d.lastMag[2],
		MagValid: d.magValid,
	}, nil
}

// readMag refreshes the cached field when a new measurement is ready.
func (d *Device) readMag() error {
	st1, err := d.mag.ReadRegU8(regMagST1)
	if err != nil {
		return fmt.Errorf("icm20948: read magnetometer status failed: %w", err)
	}
	if st1&bitMagDRDY == 0 {
		return nil
	}
	// HXL..HZH, a reserved byte, then ST2. Reading ST2 releases the
	// measurement registers.
	buf := make([]byte, 8)
	if err := d.mag.ReadReg(regMagHXL, buf); err != nil {
		return fmt.Errorf("icm20948: read magnetometer failed: %w", err)
	}
	if buf[7]&bitMagHOFL != 0 {
		d.magValid = false
		return nil
	}
	mx := int16(buf[1])<<8 | int16(buf[0])
	my := int16(buf[3])<<8 | int16(buf[2])
	mz := int16(buf[5])<<8 | int16(buf[4])
	// The magnetometer Y and Z axes point opposite to the accelerometer's.
	d.lastMag = [3]float64{
		float64(mx) * magScaleMicroTesla,
		-float64(my) * magScaleMicroTesla,
		-float64(mz) * magScaleMicroTesla,
	}
	d.magValid = true
	return nil
}
