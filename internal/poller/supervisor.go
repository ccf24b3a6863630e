package poller

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/kpreisner/scadapoll/internal/alarm"
	"github.com/kpreisner/scadapoll/internal/metrics"
	"github.com/kpreisner/scadapoll/internal/modbus"
	"github.com/kpreisner/scadapoll/internal/sink"
	"github.com/kpreisner/scadapoll/internal/types"
)

// TransportFactory builds the transport for one device. The default
// dials Modbus TCP; tests substitute fakes.
type TransportFactory func(desc types.DeviceDescriptor) Transport

// Supervisor owns the set of device pollers. It starts and stops them
// independently and aggregates their health snapshots; it never touches
// their internals while they run.
type Supervisor struct {
	snk        sink.Sink
	thresholds alarm.Table
	metrics    *metrics.Metrics
	opts       Options
	logger     *zap.Logger
	factory    TransportFactory

	mu      sync.Mutex
	pollers map[int]*DevicePoller
	running bool
}

func NewSupervisor(snk sink.Sink, thresholds alarm.Table, m *metrics.Metrics,
	opts Options, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Supervisor{
		snk:        snk,
		thresholds: thresholds,
		metrics:    m,
		opts:       opts.withDefaults(),
		logger:     logger,
		factory: func(desc types.DeviceDescriptor) Transport {
			return modbus.NewClient(desc.Address(), desc.UnitID, desc.Timeout)
		},
		pollers: make(map[int]*DevicePoller),
	}
}

// SetTransportFactory replaces how transports are built. Must be
// called before Start.
func (s *Supervisor) SetTransportFactory(f TransportFactory) {
	s.factory = f
}

// Start validates the descriptors, then creates and launches one
// poller per device. On a validation error nothing is started.
func (s *Supervisor) Start(devices []types.DeviceDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("%w: supervisor already running", types.ErrConfig)
	}

	if err := validate(devices); err != nil {
		return err
	}

	for _, desc := range devices {
		p := NewDevicePoller(desc, s.factory(desc), s.snk, s.thresholds, s.metrics, s.opts, s.logger)
		s.pollers[desc.ID] = p
		p.Start()
	}

	s.running = true
	s.logger.Info("Supervisor started", zap.Int("devices", len(devices)))

	return nil
}

func validate(devices []types.DeviceDescriptor) error {
	seen := make(map[int]struct{}, len(devices))

	for _, desc := range devices {
		if desc.ID <= 0 {
			return fmt.Errorf("%w: device id %d must be positive", types.ErrConfig, desc.ID)
		}
		if _, dup := seen[desc.ID]; dup {
			return fmt.Errorf("%w: duplicate device id %d", types.ErrConfig, desc.ID)
		}
		seen[desc.ID] = struct{}{}

		if desc.PollInterval <= 0 {
			return fmt.Errorf("%w: device %d: poll interval must be positive", types.ErrConfig, desc.ID)
		}
		if desc.Timeout <= 0 {
			return fmt.Errorf("%w: device %d: timeout must be positive", types.ErrConfig, desc.ID)
		}
		if len(desc.Registers) == 0 {
			return fmt.Errorf("%w: device %d: no registers mapped", types.ErrConfig, desc.ID)
		}
	}

	return nil
}

// Stop signals every poller and waits for all of them to acknowledge,
// each bounded by the grace timeout. Pollers stop in parallel so the
// slowest device bounds the total, not the sum.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	pollers := make([]*DevicePoller, 0, len(s.pollers))
	for _, p := range s.pollers {
		pollers = append(pollers, p)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range pollers {
		wg.Add(1)
		go func(p *DevicePoller) {
			defer wg.Done()
			p.Stop()
		}(p)
	}
	wg.Wait()

	s.logger.Info("Supervisor stopped")
}

// Status returns snapshot copies of every device's status, ordered by
// device id. It never blocks on poller internals beyond the brief
// per-device status lock.
func (s *Supervisor) Status() []types.PollerStatus {
	s.mu.Lock()
	pollers := make([]*DevicePoller, 0, len(s.pollers))
	for _, p := range s.pollers {
		pollers = append(pollers, p)
	}
	s.mu.Unlock()

	statuses := make([]types.PollerStatus, 0, len(pollers))
	for _, p := range pollers {
		statuses = append(statuses, p.Status())
	}

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].DeviceID < statuses[j].DeviceID })

	return statuses
}
