// Package fusion combines GNSS fixes, inertial readings and optical anchor
// detections into one fused position with a confidence figure.
package fusion

import "time"

// GNSSReading is a solved or raw GNSS position input.
type GNSSReading struct {
	Time      time.Time
	LatDeg    float64
	LonDeg    float64
	AltM      float64
	AccuracyM float64
	Source    string
}

// IMUReading is one inertial sample. Speed and yaw drive dead reckoning when
// no fresh absolute fix exists.
type IMUReading struct {
	Time      time.Time
	PitchDeg  float64
	RollDeg   float64
	YawDeg    float64
	SpeedMps  float64
	AccelMps2 [3]float64
	Accuracy  float64
	Source    string
}

// Anchor is an optical anchor detection: a recognized landmark with a known
// position and a classification confidence.
type Anchor struct {
	Time       time.Time
	LatDeg     float64
	LonDeg     float64
	AltM       float64
	Confidence float64
	Text       string
	Label      string
	Source     string
}

// Orientation is a pitch/roll/yaw triple in degrees.
type Orientation struct {
	PitchDeg float64
	RollDeg  float64
	YawDeg   float64
}

// FusedPosition is the loop's output record. A new instance is produced on
// every qualifying input; the previous one is retained only as fusion
// context and never mutated.
type FusedPosition struct {
	Time      time.Time
	LatDeg    float64
	LonDeg    float64
	AltM      float64
	AccuracyM float64

	Orientation *Orientation

	// Sources lists the contributing inputs in priority order.
	Sources []string
	// Anchors carries the fresh anchor list applied to this result.
	Anchors []Anchor

	Meta map[string]string
}
