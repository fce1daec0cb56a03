package nmea

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// EncodeGGA renders a fix as a GPGGA sentence with a trailing checksum.
// The transform is pure; optional fields fall back to conventional defaults
// (quality 1, 0 satellites, HDOP 0.0, altitude 0.0).
func EncodeGGA(fix Fix) string {
	t := fix.Time
	if t.IsZero() {
		t = time.Unix(0, 0).UTC()
	}
	quality := QualityGPS
	if fix.Quality != nil {
		quality = *fix.Quality
	}
	sats := 0
	if fix.Satellites != nil {
		sats = *fix.Satellites
	}
	hdop := 0.0
	if fix.HDOP != nil {
		hdop = *fix.HDOP
	}
	alt := 0.0
	if fix.AltM != nil {
		alt = *fix.AltM
	}

	payload := fmt.Sprintf("GPGGA,%s,%s,%s,%d,%02d,%.1f,%.1f,M,0.0,M,,",
		t.UTC().Format("150405.00"),
		formatLatLon(fix.LatDeg, true),
		formatLatLon(fix.LonDeg, false),
		quality, sats, hdop, alt)
	return fmt.Sprintf("$%s*%02X", payload, Checksum(payload))
}

// formatLatLon renders decimal degrees as ddmm.mmmm,N style fields.
func formatLatLon(deg float64, isLat bool) string {
	hemi := "N"
	if isLat {
		if deg < 0 {
			hemi = "S"
		}
	} else {
		hemi = "E"
		if deg < 0 {
			hemi = "W"
		}
	}
	deg = math.Abs(deg)
	whole := math.Floor(deg)
	mins := (deg - whole) * 60

	// Minutes can round up to 60.0000; carry into degrees.
	if mins >= 59.99995 {
		mins = 0
		whole++
	}

	var sb strings.Builder
	if isLat {
		fmt.Fprintf(&sb, "%02.0f%07.4f,%s", whole, mins, hemi)
	} else {
		fmt.Fprintf(&sb, "%03.0f%07.4f,%s", whole, mins, hemi)
	}
	return sb.String()
}
