// Package poller implements the periodic register poller: staggered
// per-meter polling cycles that read a configured register group out of
// every identified meter over whichever protocol its connection speaks, and
// hand each cycle's outcome to a Publisher for translation into telemetry.
package poller

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/olivenet-iot/meter-gateway/internal/apdu"
	"github.com/olivenet-iot/meter-gateway/internal/config"
	"github.com/olivenet-iot/meter-gateway/internal/dispatcher"
	"github.com/olivenet-iot/meter-gateway/internal/logging"
	"github.com/olivenet-iot/meter-gateway/internal/r645"
	"github.com/olivenet-iot/meter-gateway/internal/registry"
	"github.com/olivenet-iot/meter-gateway/internal/router"
)

// Reading is one register value pulled out of a poll cycle, already scaled
// to engineering units.
type Reading struct {
	MeterID   string
	Source    router.Kind
	Key       string
	Raw       int64
	Value     float64
	Unit      string
	Timestamp time.Time
}

// CycleResult is one meter's outcome for a single poll cycle: the readings
// that succeeded and the per-register errors for the ones that didn't.
type CycleResult struct {
	MeterID   string
	Source    router.Kind
	Readings  []Reading
	Errors    map[string]string
	Timestamp time.Time
}

// Failed reports whether this cycle counts as poll-failed rather than
// poll-complete: more than half of the attempted registers errored.
func (r CycleResult) Failed() bool {
	total := len(r.Readings) + len(r.Errors)
	if total == 0 {
		// An empty register set (e.g. a custom group none of whose names
		// resolve) is poll-complete with zero readings, not poll-failed.
		return false
	}
	return len(r.Errors)*2 > total
}

// Publisher receives each meter's poll outcome for onward egress and bus
// publication.
type Publisher interface {
	PublishPollResult(CycleResult)
}

// Poller runs the periodic polling cycle against every identified meter in
// the connection registry.
type Poller struct {
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	cfg        config.PollingConfig
	dlms       config.DLMSConfig
	logger     *logging.Logger
	pub        Publisher

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Poller. cfg and dlms are normally the gateway's top-level
// Polling and DLMS configuration sections.
func New(reg *registry.Registry, disp *dispatcher.Dispatcher, cfg config.PollingConfig, dlms config.DLMSConfig, logger *logging.Logger, pub Publisher) *Poller {
	return &Poller{
		registry:   reg,
		dispatcher: disp,
		cfg:        cfg,
		dlms:       dlms,
		logger:     logger,
		pub:        pub,
		stop:       make(chan struct{}),
	}
}

// Start launches the periodic cycle goroutine. A no-op when polling is
// disabled in configuration.
func (p *Poller) Start() {
	if !p.cfg.Enabled {
		return
	}
	interval := time.Duration(p.cfg.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Minute
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.RunCycle()
			}
		}
	}()
}

// Stop halts the poller and waits for any in-flight cycle to finish.
func (p *Poller) Stop() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	p.wg.Wait()
}

// RunCycle polls every identified meter once, staggering each meter's start
// by StaggerMs so a fleet of meters doesn't key up their association or
// frame exchange in the same instant. Exported so a caller (or a test) can
// drive a cycle on demand instead of waiting on the ticker.
func (p *Poller) RunCycle() {
	snapshot := p.registry.Snapshot()
	stagger := time.Duration(p.cfg.StaggerMs) * time.Millisecond

	var g errgroup.Group
	offset := 0
	for _, snap := range snapshot {
		if snap.MeterID == "" {
			continue
		}
		meterID := snap.MeterID
		delay := time.Duration(offset) * stagger
		offset++
		g.Go(func() error {
			if delay > 0 {
				time.Sleep(delay)
			}
			p.pollMeter(meterID)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Poller) pollMeter(meterID string) {
	conn, ok := p.registry.GetByMeter(meterID)
	if !ok {
		return
	}
	protocol := router.Kind(conn.Protocol())

	var result CycleResult
	switch protocol {
	case router.KindR645:
		result = p.pollR645(meterID)
	case router.KindVW:
		if p.dlms.PassiveOnly {
			return
		}
		result = p.pollVW(meterID)
	default:
		return
	}

	if p.logger != nil {
		if result.Failed() {
			p.logger.Info("poll-failed meter=%s ok=%d err=%d", meterID, len(result.Readings), len(result.Errors))
		} else {
			p.logger.Verbose("poll-complete meter=%s ok=%d err=%d", meterID, len(result.Readings), len(result.Errors))
		}
	}
	if p.pub != nil {
		p.pub.PublishPollResult(result)
	}
}

// registerDIs resolves the configured register group to the R645 data
// identifiers it names.
func (p *Poller) registerDIs() []uint32 {
	switch p.cfg.RegisterGroup {
	case config.RegisterGroupInstantaneous:
		return r645.InstantaneousGroup()
	case config.RegisterGroupAll:
		return r645.AllRegisters()
	case config.RegisterGroupCustom:
		out := make([]uint32, 0, len(p.cfg.CustomRegisters))
		for _, name := range p.cfg.CustomRegisters {
			if di, _, ok := r645.LookupName(name); ok {
				out = append(out, di)
			}
		}
		return out
	default:
		return r645.EnergyGroup()
	}
}

// obisList resolves the configured register group to the VW/DLMS OBIS
// addresses it names. The disconnect-control object is excluded from the
// "all" group since its state is read on demand via read-relay-state, not
// on the polling cadence.
func (p *Poller) obisList() []apdu.OBIS {
	if p.cfg.RegisterGroup == config.RegisterGroupCustom {
		out := make([]apdu.OBIS, 0, len(p.cfg.CustomRegisters))
		for _, name := range p.cfg.CustomRegisters {
			if obis, _, ok := apdu.LookupByKey(name); ok {
				out = append(out, obis)
			}
		}
		return out
	}

	all := apdu.AllOBIS()
	out := make([]apdu.OBIS, 0, len(all))
	for o, entry := range all {
		if entry.Category == "control" {
			continue
		}
		if p.cfg.RegisterGroup == config.RegisterGroupInstantaneous && entry.Category != "instantaneous" {
			continue
		}
		if p.cfg.RegisterGroup == config.RegisterGroupEnergy && entry.Category != "energy" {
			continue
		}
		out = append(out, o)
	}
	return out
}

func (p *Poller) timeout() time.Duration {
	ms := p.cfg.TimeoutMs
	if ms <= 0 {
		ms = 5000
	}
	return time.Duration(ms) * time.Millisecond
}

// pollR645 reads each configured data identifier synchronously, retrying up
// to Retries additional times with a fixed backoff before giving up on that
// one register and moving to the next.
func (p *Poller) pollR645(meterID string) CycleResult {
	now := time.Now()
	dis := p.registerDIs()
	backoff := 100 * time.Millisecond
	result := CycleResult{MeterID: meterID, Source: router.KindR645, Timestamp: now, Errors: make(map[string]string)}

	for _, di := range dis {
		descriptor, found := r645.LookupDI(di)
		key := descriptor.Key
		if !found {
			key = fmt.Sprintf("0x%08X", di)
		}

		frame, err := r645.BuildRead(meterID, di)
		if err != nil {
			result.Errors[key] = err.Error()
			continue
		}

		var df *r645.DecodedFrame
		var lastErr error
		for attempt := 0; attempt <= p.cfg.Retries; attempt++ {
			df, lastErr = p.dispatcher.SendR645(meterID, frame, di, p.timeout())
			if lastErr == nil {
				break
			}
			if attempt < p.cfg.Retries {
				time.Sleep(backoff)
			}
		}
		if lastErr != nil {
			result.Errors[key] = lastErr.Error()
			continue
		}

		_, raw, scaled, _, err := r645.DecodeValue(di, df.ValueRaw)
		if err != nil {
			result.Errors[key] = err.Error()
			continue
		}
		result.Readings = append(result.Readings, Reading{
			MeterID:   meterID,
			Source:    router.KindR645,
			Key:       key,
			Raw:       raw,
			Value:     scaled,
			Unit:      descriptor.Unit,
			Timestamp: now,
		})
	}
	return result
}

// pollVW reads the configured OBIS group as a single PollVW batch, amortizing
// one AARQ/AARE association handshake across the whole group instead of
// paying it per register.
func (p *Poller) pollVW(meterID string) CycleResult {
	now := time.Now()
	obisList := p.obisList()
	attrs := make([]dispatcher.VWAttr, 0, len(obisList))
	for _, o := range obisList {
		attrs = append(attrs, dispatcher.VWAttr{OBIS: o, ClassID: 3, Attribute: 2})
	}

	values, errs := p.dispatcher.PollVW(meterID, attrs)

	result := CycleResult{MeterID: meterID, Source: router.KindVW, Timestamp: now, Errors: make(map[string]string)}
	for _, o := range obisList {
		entry, found := apdu.LookupOBIS(o)
		key := entry.Key
		if !found {
			key = o.String()
		}

		if err, ok := errs[o.String()]; ok {
			result.Errors[key] = err.Error()
			continue
		}
		v, ok := values[o.String()]
		if !ok {
			continue
		}
		raw := apdu.NumericOf(v)
		result.Readings = append(result.Readings, Reading{
			MeterID:   meterID,
			Source:    router.KindVW,
			Key:       key,
			Raw:       raw,
			Value:     float64(raw) * entry.Scale,
			Unit:      entry.Unit,
			Timestamp: now,
		})
	}
	return result
}
