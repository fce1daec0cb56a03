package main

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"navfuse/internal/audit"
	"navfuse/internal/calibration"
	"navfuse/internal/config"
	"navfuse/internal/corrections"
	"navfuse/internal/fusion"
	"navfuse/internal/geo"
	"navfuse/internal/nmea"
	"navfuse/internal/observability"
	"navfuse/internal/udp"
)

// gnssSourceID is the reserved correction-manager id for the upstream GNSS
// byte feed, so its NMEA lines are routed to the fix decoder instead of the
// corrections path.
const gnssSourceID = "gnss"

// runtime wires the engine's services into the data flow: bytes -> ingest ->
// solve/decode -> fusion -> calibration -> audit.
type runtime struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *observability.Collector

	frames  *geo.Registry
	streams *corrections.Manager
	fuser   *fusion.Service
	calib   *calibration.Store

	sink     *audit.NATSSink
	recorder *audit.Recorder
	nmeaOut  *udp.Broadcaster

	wg sync.WaitGroup
}

func newRuntime(cfg config.Config, logger *slog.Logger, metrics *observability.Collector) (*runtime, error) {
	rt := &runtime{
		cfg:     cfg,
		log:     logger,
		metrics: metrics,
		frames:  geo.NewRegistry(),
		calib:   calibration.NewStore(),
	}

	for _, f := range cfg.Frames {
		if err := rt.frames.Register(f.Frame()); err != nil {
			return nil, err
		}
	}

	rt.streams = corrections.NewManager(corrections.Config{
		MaxReconnectAttempts: cfg.Corrections.MaxReconnectAttempts,
		InitialBackoff:       cfg.Corrections.InitialBackoff,
		MaxBackoff:           cfg.Corrections.MaxBackoff,
		DialTimeout:          cfg.Corrections.DialTimeout,
		DefaultSource:        cfg.Corrections.Default,
	}, logger.With("component", "corrections"))

	for _, src := range cfg.Corrections.Sources {
		if err := rt.streams.Register(src.Source()); err != nil {
			return nil, err
		}
	}
	if cfg.GNSS.Enable {
		if err := rt.streams.Register(gnssSource(cfg.GNSS)); err != nil {
			return nil, err
		}
	}

	rt.fuser = fusion.New(fusion.Config{
		GNSSMaxAge:               cfg.Fusion.GNSSMaxAge,
		IMUMaxAge:                cfg.Fusion.IMUMaxAge,
		AnchorMaxAge:             cfg.Fusion.AnchorMaxAge,
		GNSSBlendWeight:          cfg.Fusion.GNSSBlendWeight,
		DeadReckonGrowthPerSec:   cfg.Fusion.DeadReckonGrowthPerSec,
		AccuracyCeilingM:         cfg.Fusion.AccuracyCeilingM,
		AnchorOverrideConfidence: cfg.Fusion.AnchorOverrideConfidence,
		AccuracyFloorM:           cfg.Fusion.AccuracyFloorM,
	}, logger.With("component", "fusion"))

	if cfg.NATS.Enable {
		sink, err := audit.NewNATSSink(cfg.NATS.URL)
		if err != nil {
			return nil, err
		}
		rt.sink = sink
		rt.recorder = audit.NewRecorder(sink, logger.With("component", "audit"))
	}

	if cfg.UDP.Enable {
		out, err := udp.NewBroadcaster(cfg.UDP.Dest)
		if err != nil {
			return nil, err
		}
		rt.nmeaOut = out
	}

	return rt, nil
}

// gnssSource maps the GNSS reader config onto a managed stream source.
func gnssSource(cfg config.GNSSConfig) corrections.Source {
	src := corrections.Source{
		ID:     gnssSourceID,
		Name:   "gnss receiver",
		Format: "nmea",
		Active: true,
	}
	if cfg.Source == "serial" {
		src.Kind = corrections.KindSerial
		src.Address = cfg.Device
		src.Baud = cfg.Baud
	} else {
		src.Kind = corrections.KindNMEATCP
		src.Address = cfg.Address
	}
	return src
}

func (rt *runtime) start(ctx context.Context) error {
	if err := rt.fuser.Start(ctx); err != nil {
		return err
	}
	if err := rt.streams.Start(ctx); err != nil {
		return err
	}
	if rt.cfg.GNSS.Enable {
		if err := rt.streams.Connect(ctx, gnssSourceID); err != nil {
			return err
		}
	}

	rt.wg.Add(4)
	go rt.streamLoop(ctx)
	go rt.eventLoop(ctx)
	go rt.publishLoop(ctx)
	go rt.lastFixAgeLoop(ctx)
	return nil
}

func (rt *runtime) close() {
	rt.streams.Close()
	rt.fuser.Close()
	if rt.recorder != nil {
		rt.recorder.Close()
	}
	if rt.sink != nil {
		rt.sink.Close()
	}
	if rt.nmeaOut != nil {
		_ = rt.nmeaOut.Close()
	}
	rt.wg.Wait()
}

// streamLoop routes manager payloads: the GNSS feed into the NMEA decoder
// and fusion, everything else into the corrections bookkeeping.
func (rt *runtime) streamLoop(ctx context.Context) {
	defer rt.wg.Done()
	dec := nmea.NewDecoder()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-rt.streams.Data():
			if data.SourceID == gnssSourceID {
				rt.applyGNSSLine(dec, data)
				continue
			}
			for range data.MessageTypes {
				rt.metrics.RTCMFramesTotal.WithLabelValues("ok").Inc()
			}
		}
	}
}

func (rt *runtime) applyGNSSLine(dec *nmea.Decoder, data corrections.Data) {
	updated, err := dec.Apply(data.Received, string(data.Payload))
	switch {
	case err == nil:
		rt.metrics.SentencesTotal.WithLabelValues("ok").Inc()
	default:
		var unsup *nmea.UnsupportedError
		if errors.As(err, &unsup) {
			rt.metrics.SentencesTotal.WithLabelValues("unsupported").Inc()
			rt.log.Debug("skipping unsupported sentence", "type", unsup.Type)
		} else {
			rt.metrics.SentencesTotal.WithLabelValues("parse_error").Inc()
			rt.log.Warn("nmea parse failed", "err", err)
		}
		return
	}
	if !updated || !dec.Valid() {
		return
	}

	fix := dec.Fix()
	accuracy := rt.cfg.GNSS.AccuracyM
	if fix.HDOP != nil {
		// Rough horizontal accuracy from HDOP and a nominal UERE of 5 m.
		accuracy = math.Max(1, *fix.HDOP*5)
	}
	alt := 0.0
	if fix.AltM != nil {
		alt = *fix.AltM
	}
	rt.fuser.SubmitGNSS(fusion.GNSSReading{
		Time:      fix.Time,
		LatDeg:    fix.LatDeg,
		LonDeg:    fix.LonDeg,
		AltM:      alt,
		AccuracyM: accuracy,
		Source:    "gnss",
	})
}

// eventLoop tracks source lifecycle for metrics and logs.
func (rt *runtime) eventLoop(ctx context.Context) {
	defer rt.wg.Done()
	connected := 0
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-rt.streams.Events():
			switch ev.Kind {
			case corrections.EventConnected:
				connected++
			case corrections.EventDisconnected:
				if connected > 0 {
					connected--
				}
			case corrections.EventReconnecting:
				rt.metrics.ReconnectsTotal.WithLabelValues(ev.SourceID).Inc()
			case corrections.EventTerminalFailure:
				rt.log.Error("correction source gave up", "source", ev.SourceID, "err", ev.Err)
			}
			rt.metrics.SourcesConnected.Set(float64(connected))
		}
	}
}

// publishLoop applies calibration to each fused position and fans it out to
// the audit trail and the live outputs.
func (rt *runtime) publishLoop(ctx context.Context) {
	defer rt.wg.Done()
	events, unsubscribe := rt.fuser.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case fused := <-events:
			out, profileID := rt.applyCalibration(fused)
			rt.metrics.FusionsTotal.WithLabelValues(fusedMode(out)).Inc()
			rt.metrics.LastFixAge.Set(0)
			rt.streams.UpdateRoverPosition(geo.Geodetic{
				LatDeg: out.LatDeg, LonDeg: out.LonDeg, AltM: out.AltM,
			})

			if rt.recorder != nil {
				rt.recorder.Record(audit.Entry{
					Time:      out.Time,
					Position:  out,
					ProfileID: profileID,
				})
			}
			if rt.sink != nil {
				if err := rt.sink.PublishPosition(out); err != nil {
					rt.log.Warn("position publish failed", "err", err)
				}
			}
			if rt.nmeaOut != nil {
				if err := rt.nmeaOut.SendPosition(out); err != nil {
					rt.log.Warn("udp position send failed", "err", err)
				}
			}
		}
	}
}

func (rt *runtime) applyCalibration(fused fusion.FusedPosition) (fusion.FusedPosition, string) {
	profile, err := rt.calib.Best(geo.Geodetic{
		LatDeg: fused.LatDeg, LonDeg: fused.LonDeg, AltM: fused.AltM,
	})
	if err != nil {
		return fused, ""
	}
	adjusted := calibration.Apply(profile, geo.Geodetic{
		LatDeg: fused.LatDeg, LonDeg: fused.LonDeg, AltM: fused.AltM,
	})
	out := fused
	out.LatDeg = adjusted.LatDeg
	out.LonDeg = adjusted.LonDeg
	out.AltM = adjusted.AltM
	if out.Orientation != nil && profile.Orientation != nil {
		p, r, y := calibration.ApplyOrientation(profile,
			out.Orientation.PitchDeg, out.Orientation.RollDeg, out.Orientation.YawDeg)
		out.Orientation = &fusion.Orientation{PitchDeg: p, RollDeg: r, YawDeg: y}
	}
	return out, profile.ID
}

func fusedMode(p fusion.FusedPosition) string {
	if mode, ok := p.Meta["mode"]; ok {
		return mode
	}
	return "gnss"
}

// lastFixAgeLoop keeps the fix-age gauge moving between fusions.
func (rt *runtime) lastFixAgeLoop(ctx context.Context) {
	defer rt.wg.Done()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if last, ok := rt.fuser.Last(); ok {
				rt.metrics.LastFixAge.Set(time.Since(last.Time).Seconds())
			}
		}
	}
}
