package web

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"compass-ng/internal/compass"
)

type Status struct {
	startUnixNano int64
	sentencesSent uint64
	lastSentNano  int64
	platform      atomic.Value // string
	nmeaDest      atomic.Value // string
	info          atomic.Value // map[string]any
	reading       atomic.Value // compass.Reading
}

func NewStatus() *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.platform.Store("")
	s.nmeaDest.Store("")
	s.info.Store(map[string]any{})
	s.reading.Store(compass.Reading{})
	return s
}

// Publish implements compass.Sink.
func (s *Status) Publish(r compass.Reading) {
	s.reading.Store(r)
}

func (s *Status) SetStatic(platform string, nmeaDest string, info map[string]any) {
	if platform != "" {
		s.platform.Store(platform)
	}
	if nmeaDest != "" {
		s.nmeaDest.Store(nmeaDest)
	}
	if info != nil {
		s.info.Store(info)
	}
}

// MarkSent records NMEA sentences handed to the output.
func (s *Status) MarkSent(nowUTC time.Time, n int) {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	atomic.StoreInt64(&s.lastSentNano, nowUTC.UnixNano())
	if n > 0 {
		atomic.AddUint64(&s.sentencesSent, uint64(n))
	}
}

type StatusSnapshot struct {
	Service       string          `json:"service"`
	NowUTC        string          `json:"now_utc"`
	UptimeSec     int64           `json:"uptime_sec"`
	Uptime        string          `json:"uptime"`
	Platform      string          `json:"platform"`
	NMEADest      string          `json:"nmea_dest,omitempty"`
	NMEASentTotal uint64          `json:"nmea_sent_total"`
	LastSentUTC   string          `json:"last_sent_utc,omitempty"`
	Samples       string          `json:"samples"`
	Info          map[string]any  `json:"info"`
	Compass       compass.Reading `json:"compass"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()
	lastSent := atomic.LoadInt64(&s.lastSentNano)
	reading := s.reading.Load().(compass.Reading)

	snap := StatusSnapshot{
		Service:       "compass-ng",
		NowUTC:        nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:     int64(nowUTC.Sub(start).Seconds()),
		Uptime:        strings.TrimSpace(humanize.RelTime(start, nowUTC, "", "")),
		Platform:      s.platform.Load().(string),
		NMEADest:      s.nmeaDest.Load().(string),
		NMEASentTotal: atomic.LoadUint64(&s.sentencesSent),
		Samples:       humanize.Comma(int64(reading.Samples)),
		Info:          s.info.Load().(map[string]any),
		Compass:       reading,
	}
	if lastSent != 0 {
		snap.LastSentUTC = time.Unix(0, lastSent).UTC().Format(time.RFC3339Nano)
	}
	return snap
}
