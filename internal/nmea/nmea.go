// Package nmea decodes NMEA 0183 sentences into canonical observation
// records and encodes fixes back to sentence form.
package nmea

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ParseError reports a malformed sentence. The failing line is kept so
// callers can log it; the stream itself continues.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("nmea: %s", e.Reason)
}

// UnsupportedError reports a sentence type the decoder does not handle.
// Callers skip the sentence without failing the batch.
type UnsupportedError struct {
	Type string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("nmea: unsupported sentence type %q", e.Type)
}

// Sentence is a checksum-validated NMEA sentence split into fields.
type Sentence struct {
	Talker string
	Type   string
	// Fields is the comma-split payload including the talker+type field.
	Fields []string
}

// Checksum returns the running XOR of all payload characters, the NMEA
// sentence checksum over everything between '$' and '*'.
func Checksum(payload string) byte {
	ck := byte(0)
	for i := 0; i < len(payload); i++ {
		ck ^= payload[i]
	}
	return ck
}

// ParseSentence validates framing and checksum and splits the payload.
func ParseSentence(line string) (Sentence, error) {
	raw := line
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return Sentence{}, &ParseError{Line: raw, Reason: "missing '$'"}
	}
	star := strings.LastIndexByte(line, '*')
	if star == -1 {
		return Sentence{}, &ParseError{Line: raw, Reason: "missing checksum"}
	}
	payload := line[1:star]
	ck := strings.TrimSpace(line[star+1:])
	if len(ck) < 2 {
		return Sentence{}, &ParseError{Line: raw, Reason: "short checksum"}
	}
	want, err := hex.DecodeString(ck[:2])
	if err != nil || len(want) != 1 {
		return Sentence{}, &ParseError{Line: raw, Reason: "bad checksum encoding"}
	}
	if Checksum(payload) != want[0] {
		return Sentence{}, &ParseError{Line: raw, Reason: "checksum mismatch"}
	}

	parts := strings.Split(payload, ",")
	typeField := parts[0]
	if len(typeField) < 3 {
		return Sentence{}, &ParseError{Line: raw, Reason: "short type field"}
	}
	talker := ""
	t := typeField
	if len(t) > 3 {
		talker = strings.ToUpper(t[:len(t)-3])
		t = t[len(t)-3:]
	}
	return Sentence{Talker: talker, Type: strings.ToUpper(t), Fields: parts}, nil
}

// FixQuality values from GGA field 6.
const (
	QualityInvalid  = 0
	QualityGPS      = 1
	QualityDGPS     = 2
	QualityRTKFixed = 4
	QualityRTKFloat = 5
)

// Fix is the canonical record assembled from position sentences. Once
// returned by the decoder it is never mutated.
type Fix struct {
	Time time.Time

	LatDeg float64
	LonDeg float64
	AltM   *float64

	Quality    *int
	FixMode    *int
	Satellites *int
	InView     *int

	PDOP *float64
	HDOP *float64
	VDOP *float64

	SpeedKt  *float64
	TrackDeg *float64
}

// Decoder accumulates sentence state into a Fix. One decoder per input
// stream; it is not safe for concurrent use.
type Decoder struct {
	fix     Fix
	latOK   bool
	lonOK   bool
	hasFix  bool
	svInMsg int
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Apply parses one line and folds it into the decoder state. It returns true
// when the canonical fix changed. Malformed lines return *ParseError and
// unsupported types *UnsupportedError; both leave prior state intact.
func (d *Decoder) Apply(now time.Time, line string) (bool, error) {
	sent, err := ParseSentence(line)
	if err != nil {
		return false, err
	}
	switch sent.Type {
	case "GGA":
		return d.applyGGA(now, sent.Fields), nil
	case "RMC":
		return d.applyRMC(now, sent.Fields), nil
	case "GSA":
		return d.applyGSA(sent.Fields), nil
	case "GSV":
		return d.applyGSV(sent.Fields), nil
	case "VTG":
		return d.applyVTG(sent.Fields), nil
	default:
		return false, &UnsupportedError{Type: sent.Type}
	}
}

// Valid reports whether a position has been established.
func (d *Decoder) Valid() bool {
	return d.hasFix
}

// Fix returns a copy of the current canonical record.
func (d *Decoder) Fix() Fix {
	return d.fix
}

// GGA: fix data. Fields: 1 time, 2-3 lat, 4-5 lon, 6 quality, 7 satellites,
// 8 HDOP, 9 altitude (m).
func (d *Decoder) applyGGA(now time.Time, f []string) bool {
	if len(f) < 11 {
		return false
	}
	qStr := strings.TrimSpace(f[6])
	if qStr == "" || qStr == "0" {
		return false
	}
	updated := false
	if q, err := strconv.Atoi(qStr); err == nil {
		d.fix.Quality = intPtr(q)
	}
	if sats, err := strconv.Atoi(strings.TrimSpace(f[7])); err == nil {
		d.fix.Satellites = intPtr(sats)
	}
	if hdop, ok := parseFloat(f[8]); ok {
		d.fix.HDOP = floatPtr(hdop)
	}
	if lat, ok := parseLatLon(f[2], f[3]); ok {
		d.fix.LatDeg = lat
		d.latOK = true
		updated = true
	}
	if lon, ok := parseLatLon(f[4], f[5]); ok {
		d.fix.LonDeg = lon
		d.lonOK = true
		updated = true
	}
	if alt, ok := parseFloat(f[9]); ok {
		d.fix.AltM = floatPtr(alt)
		updated = true
	}
	if d.latOK && d.lonOK {
		d.fix.Time = now
		d.hasFix = true
	}
	return updated && d.hasFix
}

// RMC: recommended minimum. Fields: 2 status, 3-4 lat, 5-6 lon, 7 speed (kt),
// 8 track (deg).
func (d *Decoder) applyRMC(now time.Time, f []string) bool {
	if len(f) < 10 {
		return false
	}
	if strings.TrimSpace(f[2]) != "A" {
		// Void fixes do not clear prior validity.
		return false
	}
	if lat, ok := parseLatLon(f[3], f[4]); ok {
		d.fix.LatDeg = lat
		d.latOK = true
	}
	if lon, ok := parseLatLon(f[5], f[6]); ok {
		d.fix.LonDeg = lon
		d.lonOK = true
	}
	if gs, ok := parseFloat(f[7]); ok {
		d.fix.SpeedKt = floatPtr(gs)
	}
	if trk, ok := parseFloat(f[8]); ok {
		d.fix.TrackDeg = floatPtr(math.Mod(trk+360, 360))
	}
	if d.latOK && d.lonOK {
		d.fix.Time = now
		d.hasFix = true
		return true
	}
	return false
}

// GSA: DOP and active satellites. Fields: 2 fix mode (1/2/3), 15 PDOP,
// 16 HDOP, 17 VDOP.
func (d *Decoder) applyGSA(f []string) bool {
	if len(f) < 18 {
		return false
	}
	updated := false
	if mode, err := strconv.Atoi(strings.TrimSpace(f[2])); err == nil {
		d.fix.FixMode = intPtr(mode)
		updated = true
	}
	if pdop, ok := parseFloat(f[15]); ok {
		d.fix.PDOP = floatPtr(pdop)
		updated = true
	}
	if hdop, ok := parseFloat(strings.TrimSuffix(f[16], "*")); ok {
		d.fix.HDOP = floatPtr(hdop)
		updated = true
	}
	if vdop, ok := parseFloat(f[17]); ok {
		d.fix.VDOP = floatPtr(vdop)
		updated = true
	}
	return updated
}

// GSV: satellites in view. Only the total count (field 3) is folded in.
func (d *Decoder) applyGSV(f []string) bool {
	if len(f) < 4 {
		return false
	}
	inView, err := strconv.Atoi(strings.TrimSpace(f[3]))
	if err != nil {
		return false
	}
	d.fix.InView = intPtr(inView)
	return true
}

// VTG: track and ground speed. Fields: 1 track true (deg), 5 speed (kt).
func (d *Decoder) applyVTG(f []string) bool {
	if len(f) < 6 {
		return false
	}
	updated := false
	if trk, ok := parseFloat(f[1]); ok {
		d.fix.TrackDeg = floatPtr(math.Mod(trk+360, 360))
		updated = true
	}
	if gs, ok := parseFloat(f[5]); ok {
		d.fix.SpeedKt = floatPtr(gs)
		updated = true
	}
	return updated
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseLatLon parses ddmm.mmmm / dddmm.mmmm plus hemisphere into decimal
// degrees. South and west negate.
func parseLatLon(v, hemi string) (float64, bool) {
	v = strings.TrimSpace(v)
	hemi = strings.TrimSpace(strings.ToUpper(hemi))
	if v == "" || (hemi != "N" && hemi != "S" && hemi != "E" && hemi != "W") {
		return 0, false
	}

	dot := strings.IndexByte(v, '.')
	intPart := v
	if dot != -1 {
		intPart = v[:dot]
	}
	if len(intPart) < 3 {
		return 0, false
	}

	deg, err := strconv.Atoi(intPart[:len(intPart)-2])
	if err != nil {
		return 0, false
	}
	mins, err := strconv.ParseFloat(v[len(intPart)-2:], 64)
	if err != nil {
		return 0, false
	}

	dec := float64(deg) + mins/60.0
	if hemi == "S" || hemi == "W" {
		dec = -dec
	}
	return dec, true
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }
