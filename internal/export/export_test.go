package export

import (
	"encoding/json"
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"navfuse/internal/fusion"
	"navfuse/internal/nmea"
)

func sampleTrack() []fusion.FusedPosition {
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	return []fusion.FusedPosition{
		{Time: base, LatDeg: 48.1000, LonDeg: 11.6000, AltM: 520, AccuracyM: 3,
			Sources: []string{"gnss"}},
		{Time: base.Add(time.Second), LatDeg: 48.1001, LonDeg: 11.6002, AltM: 521, AccuracyM: 2.5,
			Orientation: &fusion.Orientation{YawDeg: 45}, Sources: []string{"gnss", "imu"}},
	}
}

func TestNMEASentences(t *testing.T) {
	lines := NMEASentences(sampleTrack())
	if len(lines) != 2 {
		t.Fatalf("expected 2 sentences, got %d", len(lines))
	}
	for _, l := range lines {
		if _, err := nmea.ParseSentence(l); err != nil {
			t.Fatalf("exported sentence does not parse: %v (%q)", err, l)
		}
		if !strings.HasPrefix(l, "$GPGGA,") {
			t.Fatalf("expected GGA sentence, got %q", l)
		}
	}
}

func TestGPX_WellFormed(t *testing.T) {
	out, err := GPX("morning run", sampleTrack())
	if err != nil {
		t.Fatalf("gpx: %v", err)
	}
	if !strings.HasPrefix(string(out), xml.Header) {
		t.Fatalf("missing XML declaration")
	}

	var doc struct {
		Version string `xml:"version,attr"`
		Track   struct {
			Name    string `xml:"name"`
			Segment struct {
				Points []struct {
					Lat  float64 `xml:"lat,attr"`
					Lon  float64 `xml:"lon,attr"`
					Ele  float64 `xml:"ele"`
					Time string  `xml:"time"`
				} `xml:"trkpt"`
			} `xml:"trkseg"`
		} `xml:"trk"`
	}
	if err := xml.Unmarshal(out, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.Version != "1.1" {
		t.Fatalf("expected GPX 1.1, got %q", doc.Version)
	}
	if doc.Track.Name != "morning run" {
		t.Fatalf("track name lost: %q", doc.Track.Name)
	}
	pts := doc.Track.Segment.Points
	if len(pts) != 2 {
		t.Fatalf("expected 2 points, got %d", len(pts))
	}
	if pts[0].Lat != 48.1 || pts[0].Lon != 11.6 || pts[0].Ele != 520 {
		t.Fatalf("point 0 wrong: %+v", pts[0])
	}
	if pts[0].Time == "" {
		t.Fatalf("expected timestamp on point")
	}
}

func TestGeoJSON_FeatureCollection(t *testing.T) {
	out, err := GeoJSON(sampleTrack())
	if err != nil {
		t.Fatalf("geojson: %v", err)
	}
	var col struct {
		Type     string `json:"type"`
		Features []struct {
			Type     string `json:"type"`
			Geometry struct {
				Type        string    `json:"type"`
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	if err := json.Unmarshal(out, &col); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if col.Type != "FeatureCollection" || len(col.Features) != 2 {
		t.Fatalf("unexpected collection: type=%q n=%d", col.Type, len(col.Features))
	}
	f := col.Features[0]
	// GeoJSON order is [lon, lat, alt].
	if f.Geometry.Coordinates[0] != 11.6 || f.Geometry.Coordinates[1] != 48.1 {
		t.Fatalf("coordinate order wrong: %v", f.Geometry.Coordinates)
	}
	if f.Properties["accuracy_m"].(float64) != 3 {
		t.Fatalf("accuracy lost: %v", f.Properties)
	}
	if _, ok := col.Features[1].Properties["yaw_deg"]; !ok {
		t.Fatalf("orientation properties missing")
	}
}

func TestGeoJSON_EmptyTrack(t *testing.T) {
	out, err := GeoJSON(nil)
	if err != nil {
		t.Fatalf("geojson: %v", err)
	}
	if !strings.Contains(string(out), `"features": []`) {
		t.Fatalf("expected empty features array, got %s", out)
	}
}
