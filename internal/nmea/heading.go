// Package nmea encodes compass readings as NMEA 0183 heading sentences for
// chart plotters and autopilots listening on UDP.
package nmea

import (
	"fmt"
	"strings"
	"sync"

	"compass-ng/internal/compass"
)

// DefaultTalker identifies a magnetic compass source.
const DefaultTalker = "HC"

// Checksum is the XOR of every byte between '$' and '*'.
func Checksum(payload string) byte {
	var ck byte
	for i := 0; i < len(payload); i++ {
		ck ^= payload[i]
	}
	return ck
}

// HDM formats a magnetic heading sentence, e.g. "$HCHDM,271.5,M*hh" followed by CRLF.
func HDM(talker string, headingDeg float64) string {
	talker = strings.ToUpper(strings.TrimSpace(talker))
	if len(talker) != 2 {
		talker = DefaultTalker
	}
	payload := fmt.Sprintf("%sHDM,%.1f,M", talker, headingDeg)
	return fmt.Sprintf("$%s*%02X\r\n", payload, Checksum(payload))
}

// Output keeps the latest compass reading and renders it on demand. It is a
// compass.Sink; the UDP loop pulls Next on its own cadence.
type Output struct {
	talker string

	mu   sync.Mutex
	last compass.Reading
	have bool
}

func NewOutput(talker string) *Output {
	return &Output{talker: talker}
}

func (o *Output) Publish(r compass.Reading) {
	o.mu.Lock()
	o.last = r
	o.have = true
	o.mu.Unlock()
}

// Next returns the sentence for the latest bearing, or nil when there is no
// heading or the sensor stream is not granted.
func (o *Output) Next() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.have || o.last.BearingDeg == nil || !o.last.Subscribed {
		return nil
	}
	// %.1f can round 359.96 up to 360.0.
	h := *o.last.BearingDeg
	if h >= 359.95 {
		h = 0
	}
	return []byte(HDM(o.talker, h))
}
