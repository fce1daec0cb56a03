// Package corrections manages differential-correction sources: registry,
// connection lifecycle with bounded backoff, per-source statistics and
// distance/priority-based selection.
package corrections

import (
	"fmt"
	"time"

	"navfuse/internal/geo"
)

// Kind selects a source's transport.
type Kind string

const (
	// KindNTRIP is an NTRIP caster reached over HTTP with a mountpoint.
	KindNTRIP Kind = "ntrip"
	// KindRTCMTCP is a raw RTCM3 byte stream over TCP.
	KindRTCMTCP Kind = "rtcm-tcp"
	// KindNMEATCP is a line-based NMEA correction feed over TCP.
	KindNMEATCP Kind = "nmea-tcp"
	// KindSerial is a local serial device.
	KindSerial Kind = "serial"
)

// Status is a source's live connection state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Source describes one correction source. The descriptive fields are fixed
// at registration; only status and usage timestamps change afterwards, and
// those live in the manager, not here.
type Source struct {
	ID   string
	Name string
	Kind Kind
	// Format is the payload framing: "rtcm3" or "nmea".
	Format string

	// Address is host:port for network kinds, a device path for serial.
	Address    string
	Mountpoint string
	// Baud applies to serial sources only.
	Baud int

	AuthRequired bool
	Username     string
	Password     string

	// Anchor is the source's geographic reference point.
	Anchor geo.Geodetic
	// MaxDistanceKm gates usability; zero means unlimited.
	MaxDistanceKm float64
	// Priority weights selection; higher wins.
	Priority int

	Active bool
}

func (s Source) validate() error {
	if s.ID == "" {
		return fmt.Errorf("corrections: source id is required")
	}
	switch s.Kind {
	case KindNTRIP, KindRTCMTCP, KindNMEATCP, KindSerial:
	default:
		return fmt.Errorf("corrections: source %s: unknown kind %q", s.ID, s.Kind)
	}
	if s.Address == "" {
		return fmt.Errorf("corrections: source %s: address is required", s.ID)
	}
	if s.Kind == KindNTRIP && s.Mountpoint == "" {
		return fmt.Errorf("corrections: source %s: ntrip requires a mountpoint", s.ID)
	}
	if s.MaxDistanceKm < 0 {
		return fmt.Errorf("corrections: source %s: max distance must be >= 0", s.ID)
	}
	return nil
}

// Stats is a snapshot of one source's live counters.
type Stats struct {
	Status        Status
	BytesReceived uint64
	Messages      uint64
	// MessageTypes is a per-RTCM-message-type histogram.
	MessageTypes map[uint16]uint64
	LastMessage  time.Time
	ConnectedAt  time.Time
	Uptime       time.Duration
	ErrorCount   uint64
	LastError    string
}

// Data is one decoded correction payload. It is handed to listeners and not
// retained by the manager.
type Data struct {
	SourceID     string
	Received     time.Time
	Payload      []byte
	MessageTypes []uint16
	ChecksumOK   bool
}

// EventKind tags lifecycle events emitted by the manager.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	// EventReconnecting is emitted for every failed connection attempt that
	// will be retried after backoff.
	EventReconnecting EventKind = "reconnecting"
	// EventTerminalFailure means reconnection attempts were exhausted and
	// the source will not be retried until reconnected explicitly.
	EventTerminalFailure EventKind = "terminal-failure"
)

// Event is a source lifecycle notification.
type Event struct {
	SourceID string
	Kind     EventKind
	Err      error
	At       time.Time
}
