// Package export renders fused tracks as NMEA, GPX 1.1 and GeoJSON. All
// transforms are pure.
package export

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"time"

	"navfuse/internal/fusion"
	"navfuse/internal/nmea"
)

// NMEASentences renders each point as a GGA sentence, one per line.
func NMEASentences(track []fusion.FusedPosition) []string {
	out := make([]string, 0, len(track))
	for _, p := range track {
		alt := p.AltM
		fix := nmea.Fix{
			Time:   p.Time,
			LatDeg: p.LatDeg,
			LonDeg: p.LonDeg,
			AltM:   &alt,
		}
		out = append(out, nmea.EncodeGGA(fix))
	}
	return out
}

type gpxFile struct {
	XMLName xml.Name `xml:"gpx"`
	Version string   `xml:"version,attr"`
	Creator string   `xml:"creator,attr"`
	Xmlns   string   `xml:"xmlns,attr"`
	Track   gpxTrack `xml:"trk"`
}

type gpxTrack struct {
	Name    string     `xml:"name,omitempty"`
	Segment gpxSegment `xml:"trkseg"`
}

type gpxSegment struct {
	Points []gpxPoint `xml:"trkpt"`
}

type gpxPoint struct {
	Lat  float64 `xml:"lat,attr"`
	Lon  float64 `xml:"lon,attr"`
	Ele  float64 `xml:"ele,omitempty"`
	Time string  `xml:"time,omitempty"`
}

// GPX renders a track as GPX 1.1 XML.
func GPX(name string, track []fusion.FusedPosition) ([]byte, error) {
	doc := gpxFile{
		Version: "1.1",
		Creator: "navfuse",
		Xmlns:   "http://www.topografix.com/GPX/1/1",
		Track:   gpxTrack{Name: name},
	}
	for _, p := range track {
		pt := gpxPoint{Lat: p.LatDeg, Lon: p.LonDeg, Ele: p.AltM}
		if !p.Time.IsZero() {
			pt.Time = p.Time.UTC().Format(time.RFC3339)
		}
		doc.Track.Segment.Points = append(doc.Track.Segment.Points, pt)
	}
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export: gpx marshal: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

type geoJSONCollection struct {
	Type     string         `json:"type"`
	Features []geoJSONPoint `json:"features"`
}

type geoJSONPoint struct {
	Type       string         `json:"type"`
	Geometry   geoJSONGeom    `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

type geoJSONGeom struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// GeoJSON renders a track as a FeatureCollection of Point features carrying
// position, orientation and accuracy properties.
func GeoJSON(track []fusion.FusedPosition) ([]byte, error) {
	col := geoJSONCollection{Type: "FeatureCollection", Features: []geoJSONPoint{}}
	for _, p := range track {
		props := map[string]any{
			"accuracy_m": p.AccuracyM,
		}
		if !p.Time.IsZero() {
			props["time"] = p.Time.UTC().Format(time.RFC3339Nano)
		}
		if p.Orientation != nil {
			props["pitch_deg"] = p.Orientation.PitchDeg
			props["roll_deg"] = p.Orientation.RollDeg
			props["yaw_deg"] = p.Orientation.YawDeg
		}
		if len(p.Sources) > 0 {
			props["sources"] = p.Sources
		}
		col.Features = append(col.Features, geoJSONPoint{
			Type: "Feature",
			Geometry: geoJSONGeom{
				Type:        "Point",
				Coordinates: []float64{p.LonDeg, p.LatDeg, p.AltM},
			},
			Properties: props,
		})
	}
	return json.MarshalIndent(col, "", "  ")
}
