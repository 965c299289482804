package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/vozfin/vozfin-core/internal/bus"
	"github.com/vozfin/vozfin-core/internal/config"
	"github.com/vozfin/vozfin-core/internal/protocol"
	"github.com/vozfin/vozfin-core/internal/speech"
)

const (
	defaultTranscribeTimeout = 45 * time.Second
	defaultMaxUtterance      = 30
	bytesPerSample           = 2
)

// DeviceEngine drives speech capture on a remote device over the bus. The
// device owns the microphone; the engine asks it for access, tells it when
// to stream audio frames and transcribes the buffered utterance once the
// final frame arrives. It implements speech.Platform.
type DeviceEngine struct {
	deviceID   string
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	log        *slog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	session *captureSession
}

type captureSession struct {
	id           string
	listener     speech.Listener
	buffer       []byte
	subs         []*nats.Subscription
	ctx          context.Context
	cancel       context.CancelFunc
	transcribing bool
}

func NewDeviceEngine(parent context.Context, deviceID string, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer, logger *slog.Logger) *DeviceEngine {
	ctx, cancel := context.WithCancel(parent)
	return &DeviceEngine{
		deviceID:   deviceID,
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		log:        logger.With(slog.String("component", "stt-engine"), slog.String("device_id", deviceID)),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// RequestPermission asks the device to acquire its microphone. Failures are
// returned as *speech.PermissionError.
func (e *DeviceEngine) RequestPermission(ctx context.Context) error {
	req := protocol.MicrophoneRequest{SampleRate: e.cfg.SampleRate, Channels: e.cfg.Channels}
	var reply protocol.MicrophoneReply
	if err := e.bus.RequestJSON(ctx, protocol.MicrophoneSubject(e.deviceID), req, &reply); err != nil {
		if errors.Is(err, bus.ErrNoResponders) {
			return &speech.PermissionError{Kind: speech.KindDeviceNotFound, Err: err}
		}
		return &speech.PermissionError{Kind: speech.KindUnknown, Err: err}
	}
	if reply.Error != "" {
		msg := reply.Message
		if msg == "" {
			msg = reply.Error
		}
		return &speech.PermissionError{Kind: speech.KindFromDOMError(reply.Error), Err: errors.New(msg)}
	}
	return nil
}

// StartSession subscribes to the device's audio and error subjects and tells
// it to start streaming. It fails with speech.ErrAlreadyStarted while a
// session is live.
func (e *DeviceEngine) StartSession(_ context.Context, l speech.Listener) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != nil {
		return speech.ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(e.ctx)
	s := &captureSession{
		id:       uuid.NewString(),
		listener: l,
		ctx:      ctx,
		cancel:   cancel,
	}

	conn := e.bus.Conn()
	frameSub, err := conn.Subscribe(protocol.AudioFrameSubject(e.deviceID), func(msg *nats.Msg) {
		e.handleFrame(s, msg)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.subs = append(s.subs, frameSub)

	errSub, err := conn.Subscribe(protocol.CaptureErrorSubject(e.deviceID), func(msg *nats.Msg) {
		e.handleCaptureError(s, msg)
	})
	if err != nil {
		e.dropLocked(s)
		return fmt.Errorf("subscribe capture errors: %w", err)
	}
	s.subs = append(s.subs, errSub)

	ctrl := protocol.CaptureControl{
		Action:     protocol.ControlStart,
		SessionID:  s.id,
		SampleRate: e.cfg.SampleRate,
		Channels:   e.cfg.Channels,
		Language:   e.cfg.Language,
	}
	if err := e.bus.PublishJSON(protocol.ControlSubject(e.deviceID), ctrl); err != nil {
		e.dropLocked(s)
		return err
	}
	e.session = s
	e.log.Debug("capture session started", slog.String("session_id", s.id))
	return nil
}

// StopSession ends the live session, if any, and cancels a pending
// transcription. The listener receives no further events.
func (e *DeviceEngine) StopSession() error {
	e.mu.Lock()
	s := e.session
	if s == nil {
		e.mu.Unlock()
		return nil
	}
	e.dropLocked(s)
	e.mu.Unlock()

	return e.publishStop(s)
}

// Close stops any live session and waits for in-flight transcriptions.
func (e *DeviceEngine) Close() {
	if err := e.StopSession(); err != nil {
		e.log.Debug("stop on close failed", slogError(err))
	}
	e.cancel()
	e.wg.Wait()
}

// Live reports whether a capture session is running.
func (e *DeviceEngine) Live() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session != nil
}

func (e *DeviceEngine) handleFrame(s *captureSession, msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		e.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID != "" && frame.SessionID != s.id {
		return
	}

	sampleRate, channels := frame.SampleRate, frame.Channels
	if sampleRate <= 0 {
		sampleRate = e.cfg.SampleRate
	}
	if channels <= 0 {
		channels = e.cfg.Channels
	}

	e.mu.Lock()
	if e.session != s || s.transcribing {
		e.mu.Unlock()
		return
	}
	if limit := e.maxBufferBytes(sampleRate, channels); len(s.buffer)+len(frame.PCM) > limit {
		e.mu.Unlock()
		e.log.Warn("utterance exceeds buffer limit", slog.Int("limit_bytes", limit))
		if e.finish(s) {
			s.listener.Error(speech.CodeAudioCapture)
			s.listener.End()
		}
		return
	}
	s.buffer = append(s.buffer, frame.PCM...)
	if !frame.Final {
		e.mu.Unlock()
		return
	}
	s.transcribing = true
	pcm := append([]byte(nil), s.buffer...)
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.transcribe(s, pcm, sampleRate, channels)
	}()
}

// maxBufferBytes bounds the PCM held for one utterance.
func (e *DeviceEngine) maxBufferBytes(sampleRate, channels int) int {
	seconds := e.cfg.MaxUtterance
	if seconds <= 0 {
		seconds = defaultMaxUtterance
	}
	return sampleRate * max(channels, 1) * bytesPerSample * seconds
}

func (e *DeviceEngine) transcribe(s *captureSession, pcm []byte, sampleRate, channels int) {
	timeout := time.Duration(e.cfg.TranscribeTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultTranscribeTimeout
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	result, err := e.recognizer.Transcribe(ctx, pcm, sampleRate, channels)

	if !e.finish(s) {
		return
	}

	switch {
	case err != nil && errors.Is(err, context.Canceled):
		s.listener.Error(speech.CodeAborted)
	case err != nil:
		e.log.Warn("stt transcription failed", slogError(err))
		s.listener.Error(speech.CodeNetwork)
	case strings.TrimSpace(result.Text) == "":
		s.listener.Error(speech.CodeNoSpeech)
	default:
		text := strings.TrimSpace(result.Text)
		e.publishTranscript(s.id, text, result.Confidence)
		s.listener.Result(text)
	}
	s.listener.End()
}

func (e *DeviceEngine) handleCaptureError(s *captureSession, msg *nats.Msg) {
	var report protocol.CaptureError
	if err := json.Unmarshal(msg.Data, &report); err != nil {
		e.log.Warn("failed to decode capture error", slogError(err))
		return
	}
	if report.SessionID != "" && report.SessionID != s.id {
		return
	}
	if !e.finish(s) {
		return
	}
	code := speech.RecognitionCode(report.Code)
	if code == "" {
		code = speech.CodeAudioCapture
	}
	e.log.Info("device reported capture error", slog.String("code", string(code)))
	s.listener.Error(code)
	s.listener.End()
}

// finish detaches s if it is still the live session and tells the device to
// stop streaming. It reports whether the caller owns delivering the outcome.
func (e *DeviceEngine) finish(s *captureSession) bool {
	e.mu.Lock()
	if e.session != s {
		e.mu.Unlock()
		return false
	}
	e.dropLocked(s)
	e.mu.Unlock()

	if err := e.publishStop(s); err != nil {
		e.log.Debug("failed to publish stop", slogError(err))
	}
	return true
}

// dropLocked must be called with e.mu held. It also cancels any pending
// transcription for s.
func (e *DeviceEngine) dropLocked(s *captureSession) {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
	s.cancel()
	if e.session == s {
		e.session = nil
	}
}

func (e *DeviceEngine) publishStop(s *captureSession) error {
	ctrl := protocol.CaptureControl{Action: protocol.ControlStop, SessionID: s.id}
	return e.bus.PublishJSON(protocol.ControlSubject(e.deviceID), ctrl)
}

func (e *DeviceEngine) publishTranscript(sessionID, text string, confidence float64) {
	msg := protocol.Transcript{
		SessionID:  sessionID,
		DeviceID:   e.deviceID,
		Text:       text,
		Timestamp:  time.Now().UTC(),
		Confidence: confidence,
	}
	if err := e.bus.PublishJSON(protocol.SubjectTranscriptFinal, msg); err != nil {
		e.log.Warn("failed to publish transcript", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
