// Package speech manages microphone-based capture sessions on top of an
// injected recognition platform.
package speech

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Permission is the microphone permission state of a controller.
type Permission string

const (
	PermissionUnknown Permission = "unknown"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// State is the capture lifecycle state.
type State string

const (
	StateIdle               State = "idle"
	StateAwaitingPermission State = "awaiting-permission"
	StateReady              State = "ready"
	StateListening          State = "listening"
)

// Session is a snapshot of the capture state exposed to the UI.
type Session struct {
	ID         string     `json:"id,omitempty"`
	State      State      `json:"state"`
	Listening  bool       `json:"listening"`
	Transcript string     `json:"transcript"`
	Permission Permission `json:"permission"`
	Error      string     `json:"error,omitempty"`
	Supported  bool       `json:"supported"`
}

// Listener receives the outcome of a recognition session. Implementations of
// Platform may call it from any goroutine.
type Listener interface {
	Result(transcript string)
	Error(code RecognitionCode)
	End()
}

// Platform is the speech recognition and microphone capability a controller
// drives.
type Platform interface {
	RequestPermission(ctx context.Context) error
	StartSession(ctx context.Context, l Listener) error
	StopSession() error
}

// Options configures a Controller.
type Options struct {
	// Origin is the page origin capture is requested from; only https or
	// loopback origins may acquire the microphone.
	Origin     string
	RetryDelay time.Duration
	Logger     *slog.Logger
}

const defaultRetryDelay = 100 * time.Millisecond

// Controller runs at most one capture session at a time. Public operations
// never fail; problems are reported through Session.Error.
type Controller struct {
	platform   Platform
	secure     bool
	retryDelay time.Duration
	log        *slog.Logger

	mu        sync.Mutex
	session   Session
	starting  bool
	gen       uint64
	done      chan struct{}
	observers []func(Session)
	rev       uint64

	// notifyMu orders observer calls; notified is the last revision sent.
	notifyMu sync.Mutex
	notified uint64
}

// NewController creates a controller. A nil platform yields a controller that
// reports recognition as unsupported and refuses to start.
func NewController(platform Platform, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	done := make(chan struct{})
	close(done)

	c := &Controller{
		platform:   platform,
		secure:     SecureOrigin(opts.Origin),
		retryDelay: delay,
		log:        logger.With(slog.String("component", "speech-controller")),
		done:       done,
		session: Session{
			State:      StateIdle,
			Permission: PermissionUnknown,
			Supported:  platform != nil,
		},
	}
	if platform == nil {
		c.session.Error = msgUnsupported
	}
	return c
}

// OnChange registers fn to be called with a snapshot after every change.
// Observers are called one at a time and never see an older snapshot after
// a newer one; a snapshot superseded before delivery is skipped. fn must not
// call back into the controller's mutating methods.
func (c *Controller) OnChange(fn func(Session)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Snapshot returns the current session state.
func (c *Controller) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Supported reports whether a recognition platform is available.
func (c *Controller) Supported() bool {
	return c.platform != nil
}

// RequestPermission asks the platform for microphone access and reports
// whether it was granted.
func (c *Controller) RequestPermission(ctx context.Context) bool {
	c.mu.Lock()
	if !c.secure {
		c.session.Permission = PermissionDenied
		c.session.Error = KindInsecureContext.Message()
		c.commit()
		return false
	}
	if c.platform == nil {
		c.session.Error = msgUnsupported
		c.commit()
		return false
	}
	if !c.session.Listening {
		c.session.State = StateAwaitingPermission
	}
	c.commit()

	err := c.platform.RequestPermission(ctx)

	c.mu.Lock()
	if err != nil {
		kind := PermissionKindOf(err)
		c.log.Info("microphone permission refused", slog.String("kind", string(kind)), slogError(err))
		c.session.Permission = PermissionDenied
		c.session.Error = kind.Message()
		if c.session.State == StateAwaitingPermission {
			c.session.State = StateIdle
		}
		c.commit()
		return false
	}
	c.session.Permission = PermissionGranted
	c.session.Error = ""
	if c.session.State == StateAwaitingPermission {
		c.session.State = StateReady
	}
	c.commit()
	return true
}

// Start begins a capture session. It is ignored while a session is already
// listening or being started.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.platform == nil {
		c.session.Error = msgUnsupported
		c.commit()
		return
	}
	if c.session.Listening || c.starting {
		c.mu.Unlock()
		return
	}
	c.starting = true
	granted := c.session.Permission == PermissionGranted
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	if !granted && !c.RequestPermission(ctx) {
		return
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.session.ID = uuid.NewString()
	c.session.Transcript = ""
	c.session.Error = ""
	c.session.Listening = true
	c.session.State = StateListening
	c.done = make(chan struct{})
	c.commit()

	l := &sessionListener{c: c, gen: gen}
	err := c.platform.StartSession(ctx, l)
	if err == nil {
		return
	}
	if !errors.Is(err, ErrAlreadyStarted) {
		c.log.Warn("recognition start failed", slogError(err))
		c.fail(gen, msgStartFailed)
		return
	}

	c.log.Debug("recognition already running, restarting")
	if err := c.platform.StopSession(); err != nil {
		c.log.Debug("stop before retry failed", slogError(err))
	}
	select {
	case <-ctx.Done():
		c.fail(gen, msgRetryFailed)
		return
	case <-time.After(c.retryDelay):
	}
	if !c.current(gen) {
		return
	}
	if err := c.platform.StartSession(ctx, l); err != nil {
		c.log.Warn("recognition retry failed", slogError(err))
		c.fail(gen, msgRetryFailed)
	}
}

// Stop ends the active session. Calling it while idle does nothing.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.session.Listening {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.session.Listening = false
	c.session.State = StateIdle
	close(c.done)
	c.rev++
	rev, snapshot, observers := c.rev, c.session, c.observers
	c.mu.Unlock()

	if err := c.platform.StopSession(); err != nil {
		c.log.Warn("recognition stop failed", slogError(err))
	}
	c.notify(rev, observers, snapshot)
}

// Reset clears the transcript and error, keeping the permission state.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.session.Transcript = ""
	c.session.Error = ""
	c.commit()
}

// Await blocks until the current session reaches a terminal state and returns
// the resulting snapshot. It returns immediately when nothing is listening.
func (c *Controller) Await(ctx context.Context) (Session, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
		return c.Snapshot(), nil
	case <-ctx.Done():
		return c.Snapshot(), ctx.Err()
	}
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.session.Listening
}

// finish moves session gen to its terminal state. Events for any other
// session, or repeated events for the same one, are dropped.
func (c *Controller) finish(gen uint64, apply func(*Session)) {
	c.mu.Lock()
	if gen != c.gen || !c.session.Listening {
		c.mu.Unlock()
		return
	}
	apply(&c.session)
	c.session.Listening = false
	c.session.State = StateIdle
	close(c.done)
	c.commit()
}

func (c *Controller) fail(gen uint64, msg string) {
	c.finish(gen, func(s *Session) { s.Error = msg })
}

// commit must be called with c.mu held; it releases the lock and notifies
// observers.
func (c *Controller) commit() {
	c.rev++
	rev, snapshot, observers := c.rev, c.session, c.observers
	c.mu.Unlock()
	c.notify(rev, observers, snapshot)
}

func (c *Controller) notify(rev uint64, observers []func(Session), s Session) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if rev <= c.notified {
		return
	}
	c.notified = rev
	for _, fn := range observers {
		fn(s)
	}
}

type sessionListener struct {
	c   *Controller
	gen uint64
}

func (l *sessionListener) Result(transcript string) {
	l.c.finish(l.gen, func(s *Session) { s.Transcript = transcript })
}

func (l *sessionListener) Error(code RecognitionCode) {
	l.c.log.Info("recognition error", slog.String("code", string(code)))
	l.c.finish(l.gen, func(s *Session) {
		s.Error = code.Message()
		if code == CodeNotAllowed {
			s.Permission = PermissionDenied
		}
	})
}

func (l *sessionListener) End() {
	l.c.finish(l.gen, func(*Session) {})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
