package stt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vozfin/vozfin-core/internal/bus"
	"github.com/vozfin/vozfin-core/internal/bus/bustest"
	"github.com/vozfin/vozfin-core/internal/config"
	"github.com/vozfin/vozfin-core/internal/protocol"
	"github.com/vozfin/vozfin-core/internal/speech"
)

const testDevice = "kitchen"

type event struct {
	kind string
	text string
	code speech.RecognitionCode
}

type recordingListener struct {
	events chan event
}

func newRecordingListener() *recordingListener {
	return &recordingListener{events: make(chan event, 8)}
}

func (l *recordingListener) Result(text string) { l.events <- event{kind: "result", text: text} }
func (l *recordingListener) Error(code speech.RecognitionCode) { l.events <- event{kind: "error", code: code} }
func (l *recordingListener) End() { l.events <- event{kind: "end"} }

func (l *recordingListener) next(t *testing.T) event {
	t.Helper()
	select {
	case ev := <-l.events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for listener event")
		return event{}
	}
}

func (l *recordingListener) quiet(t *testing.T) {
	t.Helper()
	select {
	case ev := <-l.events:
		t.Fatalf("unexpected listener event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

type stubRecognizer struct {
	text  string
	err   error
	block bool
}

func (r stubRecognizer) Transcribe(ctx context.Context, _ []byte, _ int, _ int) (TranscriptResult, error) {
	if r.block {
		<-ctx.Done()
		return TranscriptResult{}, ctx.Err()
	}
	return TranscriptResult{Text: r.text}, r.err
}

// device simulates a capture device answering on the bus.
type device struct {
	t        *testing.T
	client   *bus.Client
	mu       sync.Mutex
	controls []protocol.CaptureControl
	started  chan protocol.CaptureControl
}

func newDevice(t *testing.T, client *bus.Client, micError string) *device {
	d := &device{t: t, client: client, started: make(chan protocol.CaptureControl, 4)}
	conn := client.Conn()
	micSub, err := conn.Subscribe(protocol.MicrophoneSubject(testDevice), func(msg *nats.Msg) {
		data, _ := json.Marshal(protocol.MicrophoneReply{Error: micError})
		_ = msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("subscribe microphone: %v", err)
	}
	ctrlSub, err := conn.Subscribe(protocol.ControlSubject(testDevice), func(msg *nats.Msg) {
		var ctrl protocol.CaptureControl
		if err := json.Unmarshal(msg.Data, &ctrl); err != nil {
			return
		}
		d.mu.Lock()
		d.controls = append(d.controls, ctrl)
		d.mu.Unlock()
		if ctrl.Action == protocol.ControlStart {
			d.started <- ctrl
		}
	})
	if err != nil {
		t.Fatalf("subscribe control: %v", err)
	}
	t.Cleanup(func() {
		_ = micSub.Unsubscribe()
		_ = ctrlSub.Unsubscribe()
	})
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return d
}

func (d *device) awaitStart() protocol.CaptureControl {
	d.t.Helper()
	select {
	case ctrl := <-d.started:
		return ctrl
	case <-time.After(3 * time.Second):
		d.t.Fatal("device never received start")
		return protocol.CaptureControl{}
	}
}

func (d *device) send(frame protocol.AudioFrame) {
	d.t.Helper()
	if err := d.client.PublishJSON(protocol.AudioFrameSubject(testDevice), frame); err != nil {
		d.t.Fatalf("publish frame: %v", err)
	}
}

func (d *device) sawStop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ctrl := range d.controls {
		if ctrl.Action == protocol.ControlStop {
			return true
		}
	}
	return false
}

func newEngine(t *testing.T, client *bus.Client, rec Recognizer) *DeviceEngine {
	cfg := config.STTConfig{SampleRate: 16000, Channels: 1, Language: "pt-BR", TranscribeTimeout: 2000}
	e := NewDeviceEngine(context.Background(), testDevice, cfg, client, rec, bustest.Logger())
	t.Cleanup(e.Close)
	return e
}

func TestPermissionGranted(t *testing.T) {
	client := bustest.New(t)
	newDevice(t, client, "")
	e := newEngine(t, client, NewMockRecognizer("x"))

	if err := e.RequestPermission(context.Background()); err != nil {
		t.Fatalf("expected grant, got %v", err)
	}
}

func TestPermissionErrorKinds(t *testing.T) {
	client := bustest.New(t)
	newDevice(t, client, "NotReadableError")
	e := newEngine(t, client, NewMockRecognizer("x"))

	err := e.RequestPermission(context.Background())
	if kind := speech.PermissionKindOf(err); kind != speech.KindDeviceBusy {
		t.Fatalf("expected device-busy, got %s (%v)", kind, err)
	}
}

func TestPermissionWithoutDevice(t *testing.T) {
	client := bustest.New(t)
	e := newEngine(t, client, NewMockRecognizer("x"))

	err := e.RequestPermission(context.Background())
	if kind := speech.PermissionKindOf(err); kind != speech.KindDeviceNotFound {
		t.Fatalf("expected device-not-found, got %s (%v)", kind, err)
	}
}

func TestSessionTranscribesFinalFrame(t *testing.T) {
	client := bustest.New(t)
	d := newDevice(t, client, "")
	e := newEngine(t, client, NewMockRecognizer("Gastei 50 reais no mercado hoje"))

	transcripts := make(chan protocol.Transcript, 1)
	sub, err := client.Conn().Subscribe(protocol.SubjectTranscriptFinal, func(msg *nats.Msg) {
		var tr protocol.Transcript
		if json.Unmarshal(msg.Data, &tr) == nil {
			transcripts <- tr
		}
	})
	if err != nil {
		t.Fatalf("subscribe transcripts: %v", err)
	}
	defer sub.Unsubscribe()

	l := newRecordingListener()
	if err := e.StartSession(context.Background(), l); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctrl := d.awaitStart()
	if ctrl.Language != "pt-BR" || ctrl.SampleRate != 16000 {
		t.Fatalf("unexpected control %+v", ctrl)
	}

	d.send(protocol.AudioFrame{SessionID: ctrl.SessionID, Sequence: 1, PCM: []byte{0, 1, 2, 3}})
	d.send(protocol.AudioFrame{SessionID: ctrl.SessionID, Sequence: 2, PCM: []byte{4, 5}, Final: true})

	if ev := l.next(t); ev.kind != "result" || ev.text != "Gastei 50 reais no mercado hoje" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev := l.next(t); ev.kind != "end" {
		t.Fatalf("expected end, got %+v", ev)
	}
	select {
	case tr := <-transcripts:
		if tr.DeviceID != testDevice || tr.Text == "" {
			t.Fatalf("unexpected transcript %+v", tr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transcript not broadcast")
	}
	if e.Live() {
		t.Fatal("session should be over")
	}
	if !d.sawStop() {
		time.Sleep(50 * time.Millisecond)
		if !d.sawStop() {
			t.Fatal("device was not told to stop")
		}
	}
}

func TestSecondStartIsRejected(t *testing.T) {
	client := bustest.New(t)
	newDevice(t, client, "")
	e := newEngine(t, client, NewMockRecognizer("x"))

	if err := e.StartSession(context.Background(), newRecordingListener()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.StartSession(context.Background(), newRecordingListener()); !errors.Is(err, speech.ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	if err := e.StopSession(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := e.StartSession(context.Background(), newRecordingListener()); err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
}

func TestEmptyTranscriptIsNoSpeech(t *testing.T) {
	client := bustest.New(t)
	d := newDevice(t, client, "")
	e := newEngine(t, client, stubRecognizer{text: "   "})

	l := newRecordingListener()
	if err := e.StartSession(context.Background(), l); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctrl := d.awaitStart()
	d.send(protocol.AudioFrame{SessionID: ctrl.SessionID, Final: true})

	if ev := l.next(t); ev.kind != "error" || ev.code != speech.CodeNoSpeech {
		t.Fatalf("expected no-speech, got %+v", ev)
	}
}

func TestRecognizerFailureIsNetwork(t *testing.T) {
	client := bustest.New(t)
	d := newDevice(t, client, "")
	e := newEngine(t, client, stubRecognizer{err: errors.New("backend down")})

	l := newRecordingListener()
	if err := e.StartSession(context.Background(), l); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctrl := d.awaitStart()
	d.send(protocol.AudioFrame{SessionID: ctrl.SessionID, PCM: []byte{1, 0}, Final: true})

	if ev := l.next(t); ev.kind != "error" || ev.code != speech.CodeNetwork {
		t.Fatalf("expected network, got %+v", ev)
	}
}

func TestDeviceCaptureError(t *testing.T) {
	client := bustest.New(t)
	d := newDevice(t, client, "")
	e := newEngine(t, client, NewMockRecognizer("x"))

	l := newRecordingListener()
	if err := e.StartSession(context.Background(), l); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctrl := d.awaitStart()
	report := protocol.CaptureError{SessionID: ctrl.SessionID, Code: string(speech.CodeNotAllowed)}
	if err := client.PublishJSON(protocol.CaptureErrorSubject(testDevice), report); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if ev := l.next(t); ev.kind != "error" || ev.code != speech.CodeNotAllowed {
		t.Fatalf("expected not-allowed, got %+v", ev)
	}
	if ev := l.next(t); ev.kind != "end" {
		t.Fatalf("expected end, got %+v", ev)
	}
}

func TestStopCancelsPendingTranscription(t *testing.T) {
	client := bustest.New(t)
	d := newDevice(t, client, "")
	e := newEngine(t, client, stubRecognizer{block: true})

	l := newRecordingListener()
	if err := e.StartSession(context.Background(), l); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctrl := d.awaitStart()
	d.send(protocol.AudioFrame{SessionID: ctrl.SessionID, Final: true})
	time.Sleep(50 * time.Millisecond)

	if err := e.StopSession(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	l.quiet(t)
}

func TestFramesFromOtherSessionsIgnored(t *testing.T) {
	client := bustest.New(t)
	d := newDevice(t, client, "")
	e := newEngine(t, client, NewMockRecognizer("x"))

	l := newRecordingListener()
	if err := e.StartSession(context.Background(), l); err != nil {
		t.Fatalf("start: %v", err)
	}
	d.awaitStart()
	d.send(protocol.AudioFrame{SessionID: "someone-else", Final: true})
	l.quiet(t)
	if !e.Live() {
		t.Fatal("session should still be live")
	}
}

func TestOversizedUtteranceFailsCapture(t *testing.T) {
	client := bustest.New(t)
	d := newDevice(t, client, "")
	// 4 Hz mono 16-bit for one second: eight bytes of audio at most.
	cfg := config.STTConfig{SampleRate: 4, Channels: 1, TranscribeTimeout: 2000, MaxUtterance: 1}
	e := NewDeviceEngine(context.Background(), testDevice, cfg, client, NewMockRecognizer("x"), bustest.Logger())
	t.Cleanup(e.Close)

	l := newRecordingListener()
	if err := e.StartSession(context.Background(), l); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctrl := d.awaitStart()
	d.send(protocol.AudioFrame{SessionID: ctrl.SessionID, Sequence: 1, PCM: make([]byte, 6)})
	d.send(protocol.AudioFrame{SessionID: ctrl.SessionID, Sequence: 2, PCM: make([]byte, 6)})

	if ev := l.next(t); ev.kind != "error" || ev.code != speech.CodeAudioCapture {
		t.Fatalf("expected audio-capture, got %+v", ev)
	}
	if ev := l.next(t); ev.kind != "end" {
		t.Fatalf("expected end, got %+v", ev)
	}
	if e.Live() {
		t.Fatal("session should be over")
	}
}
