// Package onion manages ephemeral hidden services and classifies onion
// addresses for the browser layer.
package onion

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veilbrowse/torgate/internal/control"
	"github.com/veilbrowse/torgate/internal/infrastructure/logging"
	"github.com/veilbrowse/torgate/internal/infrastructure/monitoring"
	"github.com/veilbrowse/torgate/internal/shared/types"
)

// Spec describes a hidden service to create: an external virtual port
// forwarded to a local target.
type Spec struct {
	Port       int    `json:"port"`
	TargetHost string `json:"target_host"`
	TargetPort int    `json:"target_port"`
	// KeepKey asks the daemon to return the private key so the caller
	// can recreate the same address later.
	KeepKey bool `json:"keep_key"`
	// KeyType defaults to ED25519-V3; RSA1024 is accepted for legacy
	// callers that still need v2-style services.
	KeyType string `json:"key_type,omitempty"`
	// Flags are appended verbatim to the ADD_ONION line (e.g. Detach).
	// DiscardPK is added automatically unless KeepKey is set.
	Flags []string `json:"flags,omitempty"`
}

// Manager creates and removes ephemeral hidden services over the control
// session. Services are ephemeral: they vanish when the daemon exits, so
// the local registry is authoritative only for the current daemon run.
type Manager struct {
	session *control.Session
	events  types.Publisher
	logger  *logging.Logger
	metrics *monitoring.Metrics

	mu       sync.RWMutex
	services map[string]types.OnionService
}

// NewManager creates a hidden-service manager on the shared session.
func NewManager(session *control.Session, events types.Publisher, logger *logging.Logger, metrics *monitoring.Metrics) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		session:  session,
		events:   events,
		logger:   logger,
		metrics:  metrics,
		services: make(map[string]types.OnionService),
	}
}

// Create registers a new v3 ephemeral hidden service and returns it with
// the daemon-assigned address.
func (m *Manager) Create(ctx context.Context, spec Spec) (types.OnionService, error) {
	if spec.Port < 1 || spec.Port > 65535 {
		return types.OnionService{}, fmt.Errorf("%w: %d", ErrInvalidPort, spec.Port)
	}
	if spec.TargetPort < 1 || spec.TargetPort > 65535 {
		return types.OnionService{}, fmt.Errorf("%w: target %d", ErrInvalidPort, spec.TargetPort)
	}
	if spec.TargetHost == "" {
		spec.TargetHost = "127.0.0.1"
	}
	switch spec.KeyType {
	case "":
		spec.KeyType = "ED25519-V3"
	case "ED25519-V3", "RSA1024":
	default:
		return types.OnionService{}, fmt.Errorf("%w: %q", ErrUnknownKeyType, spec.KeyType)
	}

	flags := append([]string(nil), spec.Flags...)
	if !spec.KeepKey && !hasFlag(flags, "DiscardPK") {
		flags = append(flags, "DiscardPK")
	}

	cmd := fmt.Sprintf("ADD_ONION NEW:%s Port=%d,%s:%d",
		spec.KeyType, spec.Port, spec.TargetHost, spec.TargetPort)
	if len(flags) > 0 {
		cmd += " Flags=" + strings.Join(flags, ",")
	}

	rep, err := m.session.Send(ctx, cmd)
	if err != nil {
		return types.OnionService{}, err
	}
	if !rep.OK() {
		return types.OnionService{}, fmt.Errorf("%w: status %d %s", ErrAddFailed, rep.Status(), rep.Text())
	}

	id, ok := rep.Value("ServiceID")
	if !ok || id == "" {
		return types.OnionService{}, fmt.Errorf("%w: reply carried no ServiceID", ErrAddFailed)
	}

	svc := types.OnionService{
		ServiceID:  id,
		Address:    id + ".onion",
		Port:       spec.Port,
		TargetHost: spec.TargetHost,
		TargetPort: spec.TargetPort,
	}
	if key, ok := rep.Value("PrivateKey"); ok {
		svc.PrivateKey = key
	}

	m.mu.Lock()
	m.services[id] = svc
	count := len(m.services)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.OnionServices.Set(float64(count))
	}
	m.logger.Info("onion service created",
		zap.String("service_id", id),
		zap.Int("port", spec.Port),
	)
	m.publish("added", svc)
	return svc, nil
}

// Remove deletes an ephemeral hidden service by ID.
func (m *Manager) Remove(ctx context.Context, serviceID string) error {
	rep, err := m.session.Send(ctx, "DEL_ONION "+serviceID)
	if err != nil {
		return err
	}
	switch {
	case rep.OK():
	case rep.Status() == 552:
		return fmt.Errorf("%w: %s", ErrServiceNotFound, serviceID)
	default:
		return fmt.Errorf("del_onion %s: status %d", serviceID, rep.Status())
	}

	m.mu.Lock()
	svc, known := m.services[serviceID]
	delete(m.services, serviceID)
	count := len(m.services)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.OnionServices.Set(float64(count))
	}
	m.logger.Info("onion service removed", zap.String("service_id", serviceID))
	if known {
		m.publish("removed", svc)
	}
	return nil
}

// List returns the services created through this manager, ordered by ID.
// Private keys are omitted from listings.
func (m *Manager) List() []types.OnionService {
	m.mu.RLock()
	out := make([]types.OnionService, 0, len(m.services))
	for _, svc := range m.services {
		svc.PrivateKey = ""
		out = append(out, svc)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out
}

// ActiveIDs asks the daemon which ephemeral services it currently holds.
// The daemon's view wins over the local registry after a restart.
func (m *Manager) ActiveIDs(ctx context.Context) ([]string, error) {
	lines, err := m.session.GetInfoLines(ctx, "onions/current")
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, line := range lines {
		ids = append(ids, strings.Fields(line)...)
	}
	return ids, nil
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

func (m *Manager) publish(op string, svc types.OnionService) {
	if m.events == nil {
		return
	}
	svc.PrivateKey = ""
	m.events.Publish(types.Event{
		Type:      types.EventOnion,
		Timestamp: time.Now(),
		Op:        op,
		Service:   &svc,
	})
}
