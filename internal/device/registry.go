package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vozfin/vozfin-core/internal/bus"
	"github.com/vozfin/vozfin-core/internal/config"
	"github.com/vozfin/vozfin-core/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Device is a capture endpoint (browser tab, phone, kiosk) known to the runtime.
type Device struct {
	ID                  string    `json:"id"`
	Origin              string    `json:"origin"`
	SpeechSupported     bool      `json:"speech_supported"`
	MicrophoneSupported bool      `json:"microphone_supported"`
	LastSeen            time.Time `json:"last_seen"`
	Healthy             bool      `json:"healthy"`
}

type Registry struct {
	cfg          config.DevicesConfig
	log          *slog.Logger
	bus          *bus.Client
	clock        func() time.Time
	mu           sync.RWMutex
	devices      map[string]*Device
	hooks        []func(Device)
	cancel       context.CancelFunc
	subs         []*nats.Subscription
	meter        metric.Meter
	deviceGauge  metric.Int64ObservableGauge
	healthyGauge metric.Int64ObservableGauge
}

func NewRegistry(ctx context.Context, cfg config.DevicesConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:     cfg,
		log:     log.With(slog.String("component", "device-registry")),
		bus:     busClient,
		clock:   time.Now,
		devices: make(map[string]*Device),
		meter:   otel.Meter("github.com/vozfin/vozfin-core/device"),
		cancel:  cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	go r.monitorHealth(ctx)
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

// OnAnnounce registers fn to run whenever a device announces itself. Devices
// already known are replayed to fn immediately.
func (r *Registry) OnAnnounce(fn func(Device)) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	known := r.snapshotLocked(nil)
	r.mu.Unlock()

	for _, d := range known {
		fn(d)
	}
}

// Register records an announcement received outside the bus (for example
// from the HTTP API).
func (r *Registry) Register(ann protocol.DeviceAnnouncement) (Device, error) {
	if ann.DeviceID == "" {
		return Device{}, errors.New("device id must not be empty")
	}
	if ann.Timestamp.IsZero() {
		ann.Timestamp = r.clock().UTC()
	}
	d := r.upsert(ann)
	r.notify(d)
	return d, nil
}

func (r *Registry) Get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// List returns known devices ordered by id. A nil filter matches all.
func (r *Registry) List(filter func(Device) bool) []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked(filter)
}

// Healthy is a filter matching devices seen within the heartbeat timeout.
func Healthy(d Device) bool { return d.Healthy }

func (r *Registry) snapshotLocked(filter func(Device) bool) []Device {
	results := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		if filter == nil || filter(*d) {
			results = append(results, *d)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectDeviceAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectDeviceHeartbeat+".*", r.handleHeartbeat)
	if err != nil {
		_ = announceSub.Unsubscribe()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return conn.Flush()
}

func (r *Registry) monitorHealth(ctx context.Context) {
	interval := time.Duration(r.cfg.SweepInterval) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var ann protocol.DeviceAnnouncement
	if err := json.Unmarshal(msg.Data, &ann); err != nil {
		r.log.Warn("invalid announce message", slogError(err))
		return
	}
	if ann.DeviceID == "" {
		r.log.Warn("announce without device id")
		return
	}
	if ann.Timestamp.IsZero() {
		ann.Timestamp = r.clock().UTC()
	}
	d := r.upsert(ann)
	r.log.Info("device announced",
		slog.String("device_id", d.ID),
		slog.String("origin", d.Origin),
		slog.Bool("speech_supported", d.SpeechSupported))
	r.notify(d)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.DeviceHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slogError(err))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[hb.DeviceID]
	if !ok {
		r.log.Debug("heartbeat from unannounced device", slog.String("device_id", hb.DeviceID))
		return
	}
	d.LastSeen = hb.Timestamp
	d.Healthy = true
}

func (r *Registry) upsert(ann protocol.DeviceAnnouncement) Device {
	origin := ann.Origin
	if origin == "" {
		origin = r.cfg.DefaultOrigin
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[ann.DeviceID]
	if !ok {
		d = &Device{ID: ann.DeviceID}
		r.devices[ann.DeviceID] = d
	}
	d.Origin = origin
	d.SpeechSupported = ann.SpeechSupported
	d.MicrophoneSupported = ann.MicrophoneSupported
	d.LastSeen = ann.Timestamp
	d.Healthy = true
	return *d
}

func (r *Registry) notify(d Device) {
	r.mu.RLock()
	hooks := append([]func(Device){}, r.hooks...)
	r.mu.RUnlock()
	for _, fn := range hooks {
		fn(d)
	}
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for _, d := range r.devices {
		if d.Healthy && now.Sub(d.LastSeen) > timeout {
			d.Healthy = false
			r.log.Info("device heartbeat lost", slog.String("device_id", d.ID))
		}
	}
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("vozfin.devices.known", metric.WithDescription("Number of known capture devices"))
	if err != nil {
		return err
	}
	healthyGauge, err := r.meter.Int64ObservableGauge("vozfin.devices.healthy", metric.WithDescription("Capture devices with a recent heartbeat"))
	if err != nil {
		return err
	}
	r.deviceGauge = gauge
	r.healthyGauge = healthyGauge
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		known, healthy := r.snapshotCounts()
		obs.ObserveInt64(gauge, known)
		obs.ObserveInt64(healthyGauge, healthy)
		return nil
	}, gauge, healthyGauge)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var known, healthy int64
	for _, d := range r.devices {
		known++
		if d.Healthy {
			healthy++
		}
	}
	return known, healthy
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
