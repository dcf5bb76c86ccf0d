package sipbridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxnexus/voxnexus/internal/observe"
	"github.com/voxnexus/voxnexus/pkg/store"
)

// registrationRefresh is the REGISTER refresh cadence.
const registrationRefresh = 300 * time.Second

const (
	defaultSIPPort      = 5060
	defaultSIPTransport = "udp"
	wildcardRealm       = "*"
)

// DeviceStore is the persistence surface the registrar writes status to.
type DeviceStore interface {
	ListSipDevices(ctx context.Context) ([]store.SipDevice, error)
	GetSipDevice(ctx context.Context, id string) (*store.SipDevice, error)
	UpdateDeviceStatus(ctx context.Context, id, status, lastErr string) error
}

// IncomingCallHandler receives auto-answered inbound calls.
type IncomingCallHandler func(ctx context.Context, device store.SipDevice, call Call)

// DeviceStatus is one registration snapshot row for the HTTP surface.
type DeviceStatus struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Server      string `json:"server"`
	State       string `json:"state"`
	LastError   string `json:"lastError,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// registration is one device's live account and FSM position.
type registration struct {
	device  store.SipDevice
	account Account
	cancel  context.CancelFunc

	mu      sync.Mutex
	state   RegState
	lastErr string
	counted bool
}

func (r *registration) setState(state RegState, lastErr string) {
	r.mu.Lock()
	r.state = state
	r.lastErr = lastErr
	r.mu.Unlock()
}

// markCounted flips the registered-gauge flag and reports whether it changed,
// so each registration moves the gauge at most once per direction.
func (r *registration) markCounted(v bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counted == v {
		return false
	}
	r.counted = v
	return true
}

func (r *registration) snapshot() DeviceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return DeviceStatus{
		ID:          r.device.ID,
		Username:    r.device.Username,
		Server:      r.device.Server,
		State:       string(r.state),
		LastError:   r.lastErr,
		DisplayName: r.device.DisplayName,
	}
}

// Registrar keeps every configured extension registered and routes their
// incoming calls. Device status rows are written exclusively here.
type Registrar struct {
	phone   Softphone
	store   DeviceStore
	onCall  IncomingCallHandler
	logger  *slog.Logger
	metrics *observe.Metrics

	mu   sync.Mutex
	regs map[string]*registration
}

// NewRegistrar creates a Registrar.
func NewRegistrar(phone Softphone, st DeviceStore, onCall IncomingCallHandler, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{
		phone:   phone,
		store:   st,
		onCall:  onCall,
		logger:  logger.With("component", "registrar"),
		metrics: observe.DefaultMetrics(),
		regs:    make(map[string]*registration),
	}
}

// Start registers every configured device. Individual failures are recorded
// on the device row and do not abort startup.
func (r *Registrar) Start(ctx context.Context) error {
	devices, err := r.store.ListSipDevices(ctx)
	if err != nil {
		return fmt.Errorf("sipbridge: list devices: %w", err)
	}
	for _, device := range devices {
		if err := r.AddDevice(ctx, device); err != nil {
			r.logger.Error("device registration failed", "device", device.ID, "error", err)
		}
	}
	return nil
}

// AddDevice registers one extension and starts its refresh loop. Replaces
// any existing registration for the same device id.
func (r *Registrar) AddDevice(ctx context.Context, device store.SipDevice) error {
	r.RemoveDevice(ctx, device.ID)

	cfg := AccountConfig{
		ID:            device.ID,
		Server:        device.Server,
		Port:          device.Port,
		Transport:     device.Transport,
		Username:      device.Username,
		Password:      device.Password,
		Realm:         device.Realm,
		DisplayName:   device.DisplayName,
		OutboundProxy: device.OutboundProxy,
	}
	if cfg.Port == 0 {
		cfg.Port = defaultSIPPort
	}
	if cfg.Transport == "" {
		cfg.Transport = defaultSIPTransport
	}
	if cfg.Realm == "" {
		cfg.Realm = wildcardRealm
	}

	account, err := r.phone.Register(ctx, cfg)
	if err != nil {
		r.writeStatus(ctx, device.ID, store.DeviceFailed, err.Error())
		return fmt.Errorf("sipbridge: register device %q: %w", device.ID, err)
	}

	regCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	reg := &registration{device: device, account: account, cancel: cancel, state: RegRegistering}

	r.mu.Lock()
	r.regs[device.ID] = reg
	r.mu.Unlock()

	go r.watch(regCtx, reg)
	go r.refreshLoop(regCtx, reg)
	r.logger.Info("device registering", "device", device.ID, "server", device.Server)
	return nil
}

// RemoveDevice unregisters a device and marks it offline. No-op for an
// unknown id.
func (r *Registrar) RemoveDevice(ctx context.Context, id string) {
	r.mu.Lock()
	reg, ok := r.regs[id]
	delete(r.regs, id)
	r.mu.Unlock()
	if !ok {
		return
	}

	reg.cancel()
	if reg.markCounted(false) {
		r.metrics.RegisteredDevices.Add(ctx, -1)
	}
	if err := reg.account.Unregister(ctx); err != nil {
		r.logger.Warn("unregister failed", "device", id, "error", err)
	}
	r.writeStatus(ctx, id, store.DeviceOffline, "")
	r.logger.Info("device removed", "device", id)
}

// Shutdown unregisters every device.
func (r *Registrar) Shutdown(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.regs))
	for id := range r.regs {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.RemoveDevice(ctx, id)
	}
}

// Known reports whether a registration exists for the device id, in any
// registration state.
func (r *Registrar) Known(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.regs[id]
	return ok
}

// Snapshot returns the current registration states.
func (r *Registrar) Snapshot() []DeviceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DeviceStatus, 0, len(r.regs))
	for _, reg := range r.regs {
		out = append(out, reg.snapshot())
	}
	return out
}

// RegisteredCount reports how many devices are currently REGISTERED.
func (r *Registrar) RegisteredCount() int {
	n := 0
	for _, status := range r.Snapshot() {
		if status.State == string(RegRegistered) {
			n++
		}
	}
	return n
}

// watch drives the device FSM off account events and dispatches incoming
// calls.
func (r *Registrar) watch(ctx context.Context, reg *registration) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-reg.account.Events():
			if !ok {
				return
			}
			if ev.Call != nil {
				r.logger.Info("incoming call",
					"device", reg.device.ID,
					"remote", ev.Call.RemoteURI(),
				)
				go r.onCall(ctx, reg.device, ev.Call)
				continue
			}

			reg.setState(ev.State, ev.Error)
			switch ev.State {
			case RegRegistered:
				if reg.markCounted(true) {
					r.metrics.RegisteredDevices.Add(ctx, 1)
				}
				r.writeStatus(ctx, reg.device.ID, store.DeviceRegistered, "")
			case RegFailed:
				if reg.markCounted(false) {
					r.metrics.RegisteredDevices.Add(ctx, -1)
				}
				r.writeStatus(ctx, reg.device.ID, store.DeviceFailed, ev.Error)
			case RegUnregistered:
				if reg.markCounted(false) {
					r.metrics.RegisteredDevices.Add(ctx, -1)
				}
				r.writeStatus(ctx, reg.device.ID, store.DeviceOffline, "")
			}
			r.logger.Info("registration state",
				"device", reg.device.ID,
				"state", string(ev.State),
			)
		}
	}
}

func (r *Registrar) refreshLoop(ctx context.Context, reg *registration) {
	ticker := time.NewTicker(registrationRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := reg.account.Refresh(ctx); err != nil {
				r.logger.Warn("registration refresh failed", "device", reg.device.ID, "error", err)
			}
		}
	}
}

func (r *Registrar) writeStatus(ctx context.Context, id, status, lastErr string) {
	if err := r.store.UpdateDeviceStatus(ctx, id, status, lastErr); err != nil {
		r.logger.Warn("device status write failed", "device", id, "error", err)
	}
}
