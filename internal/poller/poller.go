// Package poller drives the per-device poll cycle and the supervisor
// that owns the set of pollers. One goroutine per device; pollers never
// share transports, alarm state or status records, so a fault on one
// device can never stall another.
package poller

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kpreisner/scadapoll/internal/alarm"
	"github.com/kpreisner/scadapoll/internal/decode"
	"github.com/kpreisner/scadapoll/internal/metrics"
	"github.com/kpreisner/scadapoll/internal/sink"
	"github.com/kpreisner/scadapoll/internal/types"
)

// Transport is the client side of the register protocol. Implemented
// by modbus.Client; tests substitute fakes.
type Transport interface {
	ReadRegisters(ctx context.Context, startAddr uint16, count uint16) (types.RawRegisters, error)
	Close() error
}

// Options tune failure handling; the zero value picks the defaults.
type Options struct {
	// StaleAfter is the number of consecutive failures after which the
	// device's data quality is reported as stale.
	StaleAfter int

	// DisconnectAfter is the number of consecutive failures after which
	// the connection state is reported as disconnected (degraded before
	// that).
	DisconnectAfter int

	// Grace bounds how long Stop waits for in-flight cycles before the
	// transport is force-closed.
	Grace time.Duration
}

func (o Options) withDefaults() Options {
	if o.StaleAfter <= 0 {
		o.StaleAfter = 3
	}
	if o.DisconnectAfter <= 0 {
		o.DisconnectAfter = 3
	}
	if o.Grace <= 0 {
		o.Grace = 5 * time.Second
	}
	return o
}

// Reads are batched: registers closer together than maxGap are fetched
// in one request, capped at maxRegsPerRead.
const (
	maxGap         = 10
	maxRegsPerRead = 120
)

type pollGroup struct {
	start uint16
	count uint16
	specs []types.RegisterSpec
}

// buildGroups splits a register map into contiguous read requests.
func buildGroups(specs []types.RegisterSpec) []pollGroup {
	if len(specs) == 0 {
		return nil
	}

	sorted := make([]types.RegisterSpec, len(specs))
	copy(sorted, specs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })

	var groups []pollGroup
	current := pollGroup{
		start: sorted[0].Address,
		count: uint16(sorted[0].Words),
		specs: []types.RegisterSpec{sorted[0]},
	}

	for _, spec := range sorted[1:] {
		end := spec.Address + uint16(spec.Words)
		span := end - current.start
		gap := int(spec.Address) - int(current.start+current.count)

		if int(span) > maxRegsPerRead || gap > maxGap {
			groups = append(groups, current)
			current = pollGroup{start: spec.Address, count: uint16(spec.Words), specs: []types.RegisterSpec{spec}}
			continue
		}

		if span > current.count {
			current.count = span
		}
		current.specs = append(current.specs, spec)
	}

	return append(groups, current)
}

// DevicePoller runs the read-decode-evaluate-store cycle for a single
// device on its own cadence.
type DevicePoller struct {
	desc       types.DeviceDescriptor
	transport  Transport
	sink       sink.Sink
	thresholds alarm.Table
	opts       Options
	groups     []pollGroup
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu      sync.Mutex
	status  types.PollerStatus
	alarms  map[string]types.AlarmState
	running bool

	stopChan chan struct{}
	done     chan struct{}
}

func NewDevicePoller(desc types.DeviceDescriptor, transport Transport, snk sink.Sink,
	thresholds alarm.Table, m *metrics.Metrics, opts Options, logger *zap.Logger) *DevicePoller {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DevicePoller{
		desc:       desc,
		transport:  transport,
		sink:       snk,
		thresholds: alarm.Merge(thresholds, desc.Alarms),
		opts:       opts.withDefaults(),
		groups:     buildGroups(desc.Registers),
		metrics:    m,
		logger:     logger.With(zap.Int("device", desc.ID)),
		status: types.PollerStatus{
			DeviceID:        desc.ID,
			ConnectionState: types.ConnDisconnected,
			DataQuality:     types.QualityInvalid,
		},
		alarms:   make(map[string]types.AlarmState),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the poll loop. Calling it twice is a no-op.
func (p *DevicePoller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true

	go p.run()

	p.logger.Info("Poller started",
		zap.String("address", p.desc.Address()),
		zap.Duration("interval", p.desc.PollInterval),
		zap.Int("poll_groups", len(p.groups)))
}

// Stop asks the loop to terminate and waits for it. A poller stuck in
// an in-flight read past the grace period has its transport closed
// under it, which aborts the read.
func (p *DevicePoller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopChan)

	select {
	case <-p.done:
	case <-time.After(p.opts.Grace):
		p.logger.Warn("Grace period expired, force-closing transport")
		p.transport.Close()
		<-p.done
	}

	p.transport.Close()
	p.logger.Info("Poller stopped")
}

// Status returns a snapshot copy of the device's health record.
func (p *DevicePoller) Status() types.PollerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// AlarmStates returns a snapshot of the per-metric alarm states.
func (p *DevicePoller) AlarmStates() map[string]types.AlarmState {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]types.AlarmState, len(p.alarms))
	for metric, state := range p.alarms {
		out[metric] = state
	}
	return out
}

// run paces cycles so that cycle N starts interval after cycle N-1
// started. A cycle that overruns its interval is followed immediately
// by the next one; cycles for the same device never overlap.
func (p *DevicePoller) run() {
	defer close(p.done)

	timer := time.NewTimer(p.desc.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-timer.C:
		}

		started := time.Now()
		p.cycle()

		wait := p.desc.PollInterval - time.Since(started)
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}

func (p *DevicePoller) cycle() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cycleBudget())
	defer cancel()

	p.mu.Lock()
	p.status.Cycles++
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.PollCycles.WithLabelValues(strconv.Itoa(p.desc.ID)).Inc()
		timer := time.Now()
		defer func() {
			p.metrics.CycleDuration.WithLabelValues(strconv.Itoa(p.desc.ID)).
				Observe(time.Since(timer).Seconds())
		}()
	}

	captured := time.Now()
	var readings []types.Reading

	for _, group := range p.groups {
		raw, err := p.transport.ReadRegisters(ctx, group.start, group.count)
		if err != nil {
			p.recordFailure(err)
			return
		}

		decoded, err := decode.Registers(raw, group.specs, p.desc.ID, captured)
		if err != nil {
			p.recordFailure(err)
			return
		}

		readings = append(readings, decoded...)
	}

	p.recordSuccess(captured)
	p.publish(ctx, readings)
}

// cycleBudget bounds one cycle: every group read gets the transport
// timeout, and the whole cycle never takes longer than all reads
// timing out back to back.
func (p *DevicePoller) cycleBudget() time.Duration {
	n := len(p.groups)
	if n == 0 {
		n = 1
	}
	return time.Duration(n) * p.desc.Timeout
}

func (p *DevicePoller) publish(ctx context.Context, readings []types.Reading) {
	for _, r := range readings {
		th, hasThresholds := p.thresholds.For(r.Metric)

		if err := p.sink.Store(ctx, r); err != nil {
			p.logger.Error("Sink rejected reading",
				zap.String("metric", r.Metric),
				zap.Error(err))
		}

		if p.metrics != nil {
			p.metrics.ReadingValue.WithLabelValues(strconv.Itoa(p.desc.ID), r.Metric).Set(r.Value)
		}

		if !hasThresholds {
			continue
		}

		p.mu.Lock()
		prev := p.alarms[r.Metric]
		state, transitioned := alarm.Evaluate(r, th, prev)
		p.alarms[r.Metric] = state
		p.mu.Unlock()

		if p.metrics != nil {
			p.metrics.ObserveAlarmLevel(p.desc.ID, r.Metric, state.Level)
		}

		if !transitioned {
			continue
		}

		p.logger.Warn("Alarm transition",
			zap.String("metric", r.Metric),
			zap.String("from", string(prev.Level)),
			zap.String("to", string(state.Level)),
			zap.Float64("value", r.Value))

		if err := p.sink.RecordAlarm(ctx, p.desc.ID, r.Metric, state); err != nil {
			p.logger.Error("Sink rejected alarm transition",
				zap.String("metric", r.Metric),
				zap.Error(err))
		}
	}
}

func (p *DevicePoller) recordSuccess(at time.Time) {
	p.mu.Lock()
	p.status.ConsecutiveFailures = 0
	p.status.ConnectionState = types.ConnConnected
	p.status.LastSuccess = at
	p.status.LastError = ""
	p.status.DataQuality = types.QualityGood
	p.status.Successes++
	state := p.status.ConnectionState
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.ObserveConnState(p.desc.ID, state)
	}
}

func (p *DevicePoller) recordFailure(err error) {
	p.mu.Lock()
	p.status.ConsecutiveFailures++
	p.status.LastError = err.Error()

	if p.status.ConsecutiveFailures >= p.opts.DisconnectAfter {
		p.status.ConnectionState = types.ConnDisconnected
	} else {
		p.status.ConnectionState = types.ConnDegraded
	}

	// No reading is fabricated for a failed poll; staleness is made
	// visible through the status record instead.
	if p.status.ConsecutiveFailures >= p.opts.StaleAfter {
		p.status.DataQuality = types.QualityStale
	}

	failures := p.status.ConsecutiveFailures
	state := p.status.ConnectionState
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.PollFailures.WithLabelValues(strconv.Itoa(p.desc.ID)).Inc()
		p.metrics.ObserveConnState(p.desc.ID, state)
	}

	p.logger.Warn("Poll cycle failed",
		zap.Int("consecutive_failures", failures),
		zap.String("connection_state", string(state)),
		zap.Error(err))
}
