package circuits

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/veilbrowse/torgate/internal/control"
	"github.com/veilbrowse/torgate/internal/infrastructure/logging"
	"github.com/veilbrowse/torgate/internal/infrastructure/monitoring"
	"github.com/veilbrowse/torgate/internal/shared/types"
)

// Options configures a circuit controller.
type Options struct {
	Session *control.Session
	Probe   *ExitProbe
	// Settle is how long to wait after NEWNYM before trusting new
	// circuits; the daemon applies the signal asynchronously.
	Settle  time.Duration
	Events  types.Publisher
	Logger  *logging.Logger
	Metrics *monitoring.Metrics
}

// Controller performs circuit-level operations: identity rotation,
// enumeration, path inspection and teardown. The rotation counter only
// ever increases, so callers can detect a rotation by comparing counts.
type Controller struct {
	session *control.Session
	probe   *ExitProbe
	settle  time.Duration
	events  types.Publisher
	logger  *logging.Logger
	metrics *monitoring.Metrics

	rotations atomic.Uint64

	mu       sync.RWMutex
	lastExit *types.ExitNode
}

// NewController creates a circuit controller on the shared session.
func NewController(opts Options) *Controller {
	if opts.Settle == 0 {
		opts.Settle = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	return &Controller{
		session: opts.Session,
		probe:   opts.Probe,
		settle:  opts.Settle,
		events:  opts.Events,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Rotation reports the outcome of one identity rotation.
type Rotation struct {
	Rotations  uint64 `json:"rotations"`
	PreviousIP string `json:"previous_ip,omitempty"`
	NewIP      string `json:"new_ip,omitempty"`
	// IPChanged is only meaningful when both probes succeeded.
	IPChanged bool `json:"ip_changed"`
}

// NewIdentity requests fresh circuits, waits for the change to settle,
// and verifies the exit IP actually moved. Probe failures degrade the
// result rather than failing the rotation: the signal itself is what
// matters.
func (c *Controller) NewIdentity(ctx context.Context) (Rotation, error) {
	var rot Rotation
	rot.PreviousIP = c.probeIP(ctx)

	rep, err := c.session.Send(ctx, "SIGNAL NEWNYM")
	if err != nil {
		return rot, fmt.Errorf("newnym: %w", err)
	}
	if !rep.OK() {
		return rot, fmt.Errorf("%w: newnym status %d", ErrSignalRejected, rep.Status())
	}

	rot.Rotations = c.rotations.Add(1)
	if c.metrics != nil {
		c.metrics.IdentityRotations.Inc()
	}

	select {
	case <-time.After(c.settle):
	case <-ctx.Done():
		// Rotation already happened; the caller just stopped waiting.
		return rot, ctx.Err()
	}

	rot.NewIP = c.probeIP(ctx)
	rot.IPChanged = rot.PreviousIP != "" && rot.NewIP != "" && rot.PreviousIP != rot.NewIP

	if rot.NewIP != "" {
		c.rememberExit(ctx, rot.NewIP)
	}

	c.logger.Info("identity rotated",
		zap.Uint64("rotations", rot.Rotations),
		zap.Bool("ip_changed", rot.IPChanged),
	)
	if c.events != nil {
		c.events.Publish(types.Event{
			Type:      types.EventNewIdentity,
			Timestamp: time.Now(),
			Rotations: rot.Rotations,
		})
	}
	return rot, nil
}

// Rotations returns the monotonic rotation count.
func (c *Controller) Rotations() uint64 {
	return c.rotations.Load()
}

// CurrentExit returns the last observed exit node, or nil before the
// first successful probe.
func (c *Controller) CurrentExit() *types.ExitNode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastExit == nil {
		return nil
	}
	out := *c.lastExit
	return &out
}

// Circuits lists the daemon's current circuits. Unparseable entries are
// skipped with a log line rather than failing the whole listing.
func (c *Controller) Circuits(ctx context.Context) ([]Circuit, error) {
	lines, err := c.session.GetInfoLines(ctx, "circuit-status")
	if err != nil {
		return nil, err
	}

	out := make([]Circuit, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		circ, err := parseCircuitLine(line)
		if err != nil {
			c.logger.Warn("skipping circuit-status entry", zap.Error(err))
			continue
		}
		out = append(out, circ)
	}

	if c.metrics != nil {
		c.metrics.CircuitsOpen.Set(float64(len(out)))
	}
	return out, nil
}

// ActivePath returns the hops of the first built general-purpose
// circuit, enriched with per-relay address, bandwidth and country.
func (c *Controller) ActivePath(ctx context.Context) ([]Hop, error) {
	circs, err := c.Circuits(ctx)
	if err != nil {
		return nil, err
	}

	for _, circ := range circs {
		if !circ.Built() || len(circ.Hops) == 0 {
			continue
		}
		if circ.Purpose != "" && circ.Purpose != "GENERAL" {
			continue
		}
		hops := make([]Hop, len(circ.Hops))
		copy(hops, circ.Hops)
		c.enrich(ctx, hops)
		return hops, nil
	}
	return nil, ErrNoActiveCircuit
}

// CloseCircuit tears down one circuit by ID.
func (c *Controller) CloseCircuit(ctx context.Context, id string) error {
	rep, err := c.session.Send(ctx, "CLOSECIRCUIT "+id)
	if err != nil {
		return err
	}
	if rep.Status() == 552 {
		return fmt.Errorf("%w: %s", ErrCircuitNotFound, id)
	}
	if !rep.OK() {
		return fmt.Errorf("%w: closecircuit %s status %d", ErrSignalRejected, id, rep.Status())
	}
	if c.metrics != nil {
		c.metrics.CircuitsClosed.Inc()
	}
	c.logger.Info("circuit closed", zap.String("circuit_id", id))
	return nil
}

// enrich fills relay details from directory lookups, best effort per hop.
func (c *Controller) enrich(ctx context.Context, hops []Hop) {
	for i := range hops {
		lines, err := c.session.GetInfoLines(ctx, "ns/id/"+hops[i].Fingerprint)
		if err != nil || len(lines) == 0 {
			continue
		}
		info := parseRouterStatus(lines)
		if info.Nickname != "" {
			hops[i].Nickname = info.Nickname
		}
		hops[i].IP = info.IP
		hops[i].BandwidthKB = info.BandwidthKB
		if info.IP != "" {
			if cc := c.country(ctx, info.IP); cc != "" {
				hops[i].Country = cc
			} else {
				hops[i].Country = "Unknown"
			}
		}
	}
}

// probeIP returns the externally visible IP, or empty when the probe is
// unavailable or failing.
func (c *Controller) probeIP(ctx context.Context) string {
	if c.probe == nil {
		return ""
	}
	ip, _, err := c.probe.Probe(ctx)
	if err != nil {
		c.logger.Debug("exit probe failed", zap.Error(err))
		return ""
	}
	return ip
}

func (c *Controller) country(ctx context.Context, ip string) string {
	cc, err := c.session.GetInfo(ctx, "ip-to-country/"+ip)
	if err != nil || cc == "??" {
		return ""
	}
	return cc
}

func (c *Controller) rememberExit(ctx context.Context, ip string) {
	node := &types.ExitNode{IP: ip, Country: c.country(ctx, ip)}
	c.mu.Lock()
	c.lastExit = node
	c.mu.Unlock()
}
