// Package voice ties device capture sessions to the interpreter and the
// ledger: one capture controller per device, a pending candidate per device
// awaiting confirmation, and bus commands to drive both.
package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vozfin/vozfin-core/internal/bus"
	"github.com/vozfin/vozfin-core/internal/config"
	"github.com/vozfin/vozfin-core/internal/device"
	"github.com/vozfin/vozfin-core/internal/eventstore"
	"github.com/vozfin/vozfin-core/internal/interpreter"
	"github.com/vozfin/vozfin-core/internal/ledger"
	"github.com/vozfin/vozfin-core/internal/protocol"
	"github.com/vozfin/vozfin-core/internal/speech"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentation = "github.com/vozfin/vozfin-core/voice"

var (
	ErrUnknownDevice     = errors.New("unknown device")
	ErrCaptureInProgress = errors.New("capture already in progress")
	ErrNoPending         = errors.New("no pending candidate")
)

// Ledger stores confirmed transactions.
type Ledger interface {
	Create(ctx context.Context, e ledger.Entry) (ledger.Entry, error)
}

// Timeline records capture session events.
type Timeline interface {
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

// PlatformFactory returns the recognition platform for a device, or nil when
// the device cannot recognise speech.
type PlatformFactory func(d device.Device) speech.Platform

// Pending is an interpreted candidate held until the user confirms or
// discards it.
type Pending struct {
	SessionID  string
	Transcript string
	Candidate  interpreter.Candidate
	CreatedAt  time.Time
}

// Result is the outcome of one capture.
type Result struct {
	Session    speech.Session      `json:"session"`
	Transcript string              `json:"transcript,omitempty"`
	Candidate  *protocol.Candidate `json:"candidate,omitempty"`
}

// Status is a device's capture snapshot plus its pending candidate.
type Status struct {
	DeviceID string              `json:"device_id"`
	Session  speech.Session      `json:"session"`
	Pending  *protocol.Candidate `json:"pending,omitempty"`
}

type Options struct {
	Capture   config.CaptureConfig
	Bus       *bus.Client
	Ledger    Ledger
	Timeline  Timeline
	Platforms PlatformFactory
	Location  *time.Location
	Logger    *slog.Logger
}

type Coordinator struct {
	cfg       config.CaptureConfig
	bus       *bus.Client
	ledger    Ledger
	timeline  Timeline
	platforms PlatformFactory
	loc       *time.Location
	clock     func() time.Time
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu      sync.Mutex
	devices map[string]*deviceState

	interpretations metric.Int64Counter
	captureErrors   metric.Int64Counter
}

type deviceState struct {
	info       device.Device
	controller *speech.Controller
	platform   speech.Platform
	commands   *nats.Subscription
	capturing  bool
	pending    *Pending
}

func NewCoordinator(parent context.Context, opts Options) *Coordinator {
	ctx, cancel := context.WithCancel(parent)
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	c := &Coordinator{
		cfg:       opts.Capture,
		bus:       opts.Bus,
		ledger:    opts.Ledger,
		timeline:  opts.Timeline,
		platforms: opts.Platforms,
		loc:       loc,
		clock:     time.Now,
		logger:    opts.Logger.With(slog.String("component", "voice")),
		ctx:       ctx,
		cancel:    cancel,
		devices:   make(map[string]*deviceState),
	}
	c.initMetrics()
	return c
}

func (c *Coordinator) initMetrics() {
	meter := otel.Meter(instrumentation)
	var err error
	if c.interpretations, err = meter.Int64Counter("vozfin.interpretations",
		metric.WithDescription("Transcripts interpreted, by confidence")); err != nil {
		c.logger.Warn("failed to create interpretation counter", slogError(err))
	}
	if c.captureErrors, err = meter.Int64Counter("vozfin.capture.errors",
		metric.WithDescription("Capture sessions that ended with an error")); err != nil {
		c.logger.Warn("failed to create capture error counter", slogError(err))
	}
}

// Attach creates (or recreates, when its capabilities changed) the capture
// controller of an announced device. It is meant to be registered with
// device.Registry.OnAnnounce.
func (c *Coordinator) Attach(d device.Device) {
	c.mu.Lock()
	if existing, ok := c.devices[d.ID]; ok {
		if existing.info.Origin == d.Origin && existing.info.SpeechSupported == d.SpeechSupported {
			existing.info = d
			c.mu.Unlock()
			return
		}
		delete(c.devices, d.ID)
		c.mu.Unlock()
		c.detach(existing)
		c.mu.Lock()
	}
	c.mu.Unlock()

	var platform speech.Platform
	if c.platforms != nil && d.SpeechSupported {
		platform = c.platforms(d)
	}
	ctrl := speech.NewController(platform, speech.Options{
		Origin:     d.Origin,
		RetryDelay: time.Duration(c.cfg.RetryDelay) * time.Millisecond,
		Logger:     c.logger.With(slog.String("device_id", d.ID)),
	})
	st := &deviceState{info: d, controller: ctrl, platform: platform}

	if c.bus != nil {
		if c.cfg.PublishStatus {
			ctrl.OnChange(func(s speech.Session) { c.publishStatus(d.ID, s) })
		}
		sub, err := c.bus.Conn().Subscribe(protocol.CaptureCommandSubject(d.ID), func(msg *nats.Msg) {
			c.handleCommand(d.ID, msg)
		})
		if err != nil {
			c.logger.Warn("failed to subscribe capture commands", slog.String("device_id", d.ID), slogError(err))
		} else {
			st.commands = sub
		}
	}

	c.mu.Lock()
	c.devices[d.ID] = st
	c.mu.Unlock()
	c.logger.Info("capture controller attached",
		slog.String("device_id", d.ID),
		slog.Bool("supported", ctrl.Supported()))
}

func (c *Coordinator) detach(st *deviceState) {
	if st.commands != nil {
		_ = st.commands.Unsubscribe()
	}
	st.controller.Stop()
	if closer, ok := st.platform.(interface{ Close() }); ok {
		closer.Close()
	}
}

// Close stops every controller and waits for background captures.
func (c *Coordinator) Close() {
	c.cancel()
	c.mu.Lock()
	states := make([]*deviceState, 0, len(c.devices))
	for _, st := range c.devices {
		states = append(states, st)
	}
	c.devices = make(map[string]*deviceState)
	c.mu.Unlock()

	for _, st := range states {
		c.detach(st)
	}
	c.wg.Wait()
}

// Devices lists the ids of attached devices.
func (c *Coordinator) Devices() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.devices))
	for id := range c.devices {
		ids = append(ids, id)
	}
	return ids
}

func (c *Coordinator) state(deviceID string) (*deviceState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return st, nil
}

// Now returns the coordinator's reference time for interpretation.
func (c *Coordinator) Now() time.Time {
	return c.clock().In(c.loc)
}

// Interpret interprets typed text against the coordinator clock.
func (c *Coordinator) Interpret(text string) (interpreter.Candidate, bool) {
	cand, ok := interpreter.Interpret(text, c.Now())
	c.countInterpretation(cand, ok)
	return cand, ok
}

// RequestPermission asks the device for microphone access.
func (c *Coordinator) RequestPermission(ctx context.Context, deviceID string) (speech.Session, error) {
	st, err := c.state(deviceID)
	if err != nil {
		return speech.Session{}, err
	}
	st.controller.RequestPermission(ctx)
	return st.controller.Snapshot(), nil
}

// Capture runs one capture session on the device: it starts listening,
// waits for the session to end, interprets the transcript and holds the
// resulting candidate as pending.
func (c *Coordinator) Capture(ctx context.Context, deviceID string) (Result, error) {
	ctx, span := otel.Tracer(instrumentation).Start(ctx, "voice.capture")
	defer span.End()
	span.SetAttributes(attribute.String("device_id", deviceID))

	st, err := c.state(deviceID)
	if err != nil {
		return Result{}, err
	}
	c.mu.Lock()
	if st.capturing {
		c.mu.Unlock()
		return Result{}, ErrCaptureInProgress
	}
	st.capturing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		st.capturing = false
		c.mu.Unlock()
	}()

	previous := st.controller.Snapshot().ID
	st.controller.Start(ctx)
	started := st.controller.Snapshot()
	if started.ID == previous {
		c.countCaptureError()
		return Result{Session: started}, nil
	}
	c.record(started.ID, deviceID, eventstore.TypeCaptureStarted, nil)

	timeout := time.Duration(c.cfg.SessionTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Minute
	}
	awaitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	session, err := st.controller.Await(awaitCtx)
	if err != nil {
		span.RecordError(err)
		st.controller.Stop()
		c.record(started.ID, deviceID, eventstore.TypeCaptureError, map[string]string{"error": err.Error()})
		return Result{Session: st.controller.Snapshot()}, fmt.Errorf("await capture: %w", err)
	}
	if session.Error != "" {
		c.countCaptureError()
		c.record(session.ID, deviceID, eventstore.TypeCaptureError, map[string]string{"error": session.Error})
		return Result{Session: session}, nil
	}
	c.record(session.ID, deviceID, eventstore.TypeCaptureEnded, map[string]string{"transcript": session.Transcript})
	if session.Transcript == "" {
		return Result{Session: session}, nil
	}

	res := Result{Session: session, Transcript: session.Transcript}
	cand, ok := c.Interpret(session.Transcript)
	if !ok {
		c.record(session.ID, deviceID, eventstore.TypeUninterpreted, nil)
		return res, nil
	}

	pending := &Pending{
		SessionID:  session.ID,
		Transcript: session.Transcript,
		Candidate:  cand,
		CreatedAt:  c.clock().UTC(),
	}
	c.mu.Lock()
	st.pending = pending
	c.mu.Unlock()

	msg := candidateMessage(deviceID, pending)
	res.Candidate = &msg
	c.record(session.ID, deviceID, eventstore.TypeInterpreted, msg)
	c.publish(protocol.CandidateSubject(deviceID), msg)
	return res, nil
}

// Confirm stores the pending candidate of the device, with optional edits
// applied, and clears it.
func (c *Coordinator) Confirm(ctx context.Context, deviceID string, edits *protocol.CandidateEdits) (ledger.Entry, error) {
	st, err := c.state(deviceID)
	if err != nil {
		return ledger.Entry{}, err
	}
	// Claim the candidate so concurrent confirms cannot store it twice.
	c.mu.Lock()
	pending := st.pending
	st.pending = nil
	c.mu.Unlock()
	if pending == nil {
		return ledger.Entry{}, ErrNoPending
	}

	entry, err := ApplyEdits(ledger.FromCandidate(pending.Candidate), edits)
	if err == nil {
		entry.DeviceID = deviceID
		var created ledger.Entry
		if created, err = c.ledger.Create(ctx, entry); err == nil {
			c.record(pending.SessionID, deviceID, eventstore.TypeConfirmed, map[string]string{"transaction_id": created.ID})
			c.PublishCreated(created)
			return created, nil
		}
	}
	c.mu.Lock()
	if st.pending == nil {
		st.pending = pending
	}
	c.mu.Unlock()
	return ledger.Entry{}, err
}

// Discard drops the pending candidate of the device.
func (c *Coordinator) Discard(_ context.Context, deviceID string) error {
	st, err := c.state(deviceID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	pending := st.pending
	st.pending = nil
	c.mu.Unlock()
	if pending == nil {
		return ErrNoPending
	}
	c.record(pending.SessionID, deviceID, eventstore.TypeDiscarded, nil)
	return nil
}

func (c *Coordinator) Stop(deviceID string) (speech.Session, error) {
	st, err := c.state(deviceID)
	if err != nil {
		return speech.Session{}, err
	}
	st.controller.Stop()
	return st.controller.Snapshot(), nil
}

func (c *Coordinator) Reset(deviceID string) (speech.Session, error) {
	st, err := c.state(deviceID)
	if err != nil {
		return speech.Session{}, err
	}
	st.controller.Reset()
	return st.controller.Snapshot(), nil
}

func (c *Coordinator) Snapshot(deviceID string) (Status, error) {
	st, err := c.state(deviceID)
	if err != nil {
		return Status{}, err
	}
	status := Status{DeviceID: deviceID, Session: st.controller.Snapshot()}
	c.mu.Lock()
	pending := st.pending
	c.mu.Unlock()
	if pending != nil {
		msg := candidateMessage(deviceID, pending)
		status.Pending = &msg
	}
	return status, nil
}

// PublishCreated broadcasts a stored transaction.
func (c *Coordinator) PublishCreated(e ledger.Entry) {
	c.publish(protocol.SubjectTransactionCreated, protocol.TransactionCreated{
		ID:          e.ID,
		DeviceID:    e.DeviceID,
		Type:        string(e.Type),
		Amount:      e.Amount.StringFixed(2),
		Category:    string(e.Category),
		Description: e.Description,
		Date:        e.Date,
		CreatedAt:   e.CreatedAt,
	})
}

func (c *Coordinator) handleCommand(deviceID string, msg *nats.Msg) {
	var cmd protocol.CaptureCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		c.logger.Warn("failed to decode capture command", slogError(err))
		c.reply(msg, err)
		return
	}

	var err error
	switch cmd.Action {
	case protocol.CommandPermission:
		_, err = c.RequestPermission(c.ctx, deviceID)
	case protocol.CommandStart:
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if _, err := c.Capture(c.ctx, deviceID); err != nil {
				c.logger.Warn("capture failed", slog.String("device_id", deviceID), slogError(err))
			}
		}()
	case protocol.CommandStop:
		_, err = c.Stop(deviceID)
	case protocol.CommandReset:
		_, err = c.Reset(deviceID)
	case protocol.CommandConfirm:
		_, err = c.Confirm(c.ctx, deviceID, cmd.Edits)
	case protocol.CommandDiscard:
		err = c.Discard(c.ctx, deviceID)
	default:
		err = fmt.Errorf("unknown capture command %q", cmd.Action)
	}
	c.reply(msg, err)
}

func (c *Coordinator) reply(msg *nats.Msg, err error) {
	if msg.Reply == "" {
		return
	}
	resp := protocol.CaptureReply{OK: err == nil}
	if err != nil {
		resp.Error = err.Error()
	}
	data, _ := json.Marshal(resp)
	if err := msg.Respond(data); err != nil {
		c.logger.Debug("failed to reply to capture command", slogError(err))
	}
}

func (c *Coordinator) publishStatus(deviceID string, s speech.Session) {
	c.publish(protocol.CaptureStatusSubject(deviceID), protocol.CaptureStatus{
		DeviceID:   deviceID,
		SessionID:  s.ID,
		State:      string(s.State),
		Listening:  s.Listening,
		Transcript: s.Transcript,
		Permission: string(s.Permission),
		Error:      s.Error,
		Supported:  s.Supported,
		Timestamp:  c.clock().UTC(),
	})
}

func (c *Coordinator) publish(subject string, v any) {
	if c.bus == nil {
		return
	}
	if err := c.bus.PublishJSON(subject, v); err != nil {
		c.logger.Warn("publish failed", slog.String("subject", subject), slogError(err))
	}
}

func (c *Coordinator) record(sessionID, deviceID, eventType string, payload any) {
	if c.timeline == nil || sessionID == "" {
		return
	}
	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			c.logger.Warn("failed to encode timeline payload", slogError(err))
			return
		}
	}
	evt := eventstore.Event{SessionID: sessionID, DeviceID: deviceID, Type: eventType, Payload: data}
	if err := c.timeline.AppendEvent(c.ctx, evt); err != nil {
		c.logger.Warn("failed to record timeline event", slog.String("type", eventType), slogError(err))
	}
}

func (c *Coordinator) countInterpretation(cand interpreter.Candidate, ok bool) {
	if c.interpretations == nil {
		return
	}
	outcome := "none"
	if ok {
		outcome = strconv.Itoa(cand.Confidence)
	}
	c.interpretations.Add(c.ctx, 1, metric.WithAttributes(attribute.String("confidence", outcome)))
}

func (c *Coordinator) countCaptureError() {
	if c.captureErrors == nil {
		return
	}
	c.captureErrors.Add(c.ctx, 1)
}

func candidateMessage(deviceID string, p *Pending) protocol.Candidate {
	return protocol.Candidate{
		DeviceID:    deviceID,
		SessionID:   p.SessionID,
		Transcript:  p.Transcript,
		Type:        string(p.Candidate.Type),
		Amount:      p.Candidate.Amount.StringFixed(2),
		Category:    string(p.Candidate.Category),
		Description: p.Candidate.Description,
		Date:        p.Candidate.DateString(),
		Confidence:  p.Candidate.Confidence,
		Timestamp:   p.CreatedAt,
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
