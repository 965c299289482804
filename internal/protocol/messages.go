package protocol

import (
	"fmt"
	"time"
)

// AudioFrame represents PCM audio data streamed from a capture device.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	DeviceID   string    `json:"device_id"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// DeviceAnnouncement is published by a capture device when it comes online.
type DeviceAnnouncement struct {
	DeviceID            string    `json:"device_id"`
	Origin              string    `json:"origin"`
	SpeechSupported     bool      `json:"speech_supported"`
	MicrophoneSupported bool      `json:"microphone_supported"`
	Timestamp           time.Time `json:"timestamp"`
}

type DeviceHeartbeat struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
}

// MicrophoneRequest asks a device to acquire its microphone.
type MicrophoneRequest struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

// MicrophoneReply carries the browser media error name (NotAllowedError,
// NotFoundError, ...) when acquisition failed; an empty Error means granted.
type MicrophoneReply struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

type ControlAction string

const (
	ControlStart ControlAction = "start"
	ControlStop  ControlAction = "stop"
)

// CaptureControl tells a device to begin or end streaming audio frames.
type CaptureControl struct {
	Action     ControlAction `json:"action"`
	SessionID  string        `json:"session_id"`
	SampleRate int           `json:"sample_rate,omitempty"`
	Channels   int           `json:"channels,omitempty"`
	Language   string        `json:"language,omitempty"`
}

// CaptureError is reported by a device when capture fails on its side.
type CaptureError struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
}

type CaptureCommandAction string

const (
	CommandPermission CaptureCommandAction = "permission"
	CommandStart      CaptureCommandAction = "start"
	CommandStop       CaptureCommandAction = "stop"
	CommandReset      CaptureCommandAction = "reset"
	CommandConfirm    CaptureCommandAction = "confirm"
	CommandDiscard    CaptureCommandAction = "discard"
)

// CaptureCommand drives a device's capture controller over the bus.
type CaptureCommand struct {
	Action CaptureCommandAction `json:"action"`
	Edits  *CandidateEdits      `json:"edits,omitempty"`
}

// CandidateEdits are user corrections applied to a pending candidate before
// it is confirmed. Nil fields keep the interpreted value.
type CandidateEdits struct {
	Type        *string `json:"type,omitempty"`
	Amount      *string `json:"amount,omitempty"`
	Category    *string `json:"category,omitempty"`
	Description *string `json:"description,omitempty"`
	Date        *string `json:"date,omitempty"`
}

type CaptureReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// CaptureStatus is the capture session snapshot broadcast after each change.
type CaptureStatus struct {
	DeviceID   string    `json:"device_id"`
	SessionID  string    `json:"session_id,omitempty"`
	State      string    `json:"state"`
	Listening  bool      `json:"listening"`
	Transcript string    `json:"transcript"`
	Permission string    `json:"permission"`
	Error      string    `json:"error,omitempty"`
	Supported  bool      `json:"supported"`
	Timestamp  time.Time `json:"timestamp"`
}

// Candidate is an interpreted transaction awaiting confirmation.
type Candidate struct {
	DeviceID    string    `json:"device_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	Transcript  string    `json:"transcript"`
	Type        string    `json:"type"`
	Amount      string    `json:"amount"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	Date        string    `json:"date"`
	Confidence  int       `json:"confidence"`
	Timestamp   time.Time `json:"timestamp"`
}

// TransactionCreated is broadcast once a transaction is stored in the ledger.
type TransactionCreated struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"device_id,omitempty"`
	Type        string    `json:"type"`
	Amount      string    `json:"amount"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	Date        string    `json:"date"`
	CreatedAt   time.Time `json:"created_at"`
}

const (
	SubjectAudioFramePrefix   = "audio.frame"
	SubjectTranscriptFinal    = "stt.text.final"
	SubjectDeviceAnnounce     = "device.announce"
	SubjectDeviceHeartbeat    = "device.heartbeat"
	SubjectCaptureErrorPrefix = "capture.error"
	SubjectCaptureCommand     = "capture.command"
	SubjectCaptureStatus      = "capture.status"
	SubjectCandidatePrefix    = "transaction.candidate"
	SubjectTransactionCreated = "transaction.created"

	StreamTransactions = "TRANSACTIONS"
)

func AudioFrameSubject(deviceID string) string {
	return fmt.Sprintf("%s.%s", SubjectAudioFramePrefix, deviceID)
}

func CaptureErrorSubject(deviceID string) string {
	return fmt.Sprintf("%s.%s", SubjectCaptureErrorPrefix, deviceID)
}

func HeartbeatSubject(deviceID string) string {
	return fmt.Sprintf("%s.%s", SubjectDeviceHeartbeat, deviceID)
}

func MicrophoneSubject(deviceID string) string {
	return fmt.Sprintf("device.%s.microphone", deviceID)
}

func ControlSubject(deviceID string) string {
	return fmt.Sprintf("device.%s.control", deviceID)
}

func CaptureCommandSubject(deviceID string) string {
	return fmt.Sprintf("%s.%s", SubjectCaptureCommand, deviceID)
}

func CaptureStatusSubject(deviceID string) string {
	return fmt.Sprintf("%s.%s", SubjectCaptureStatus, deviceID)
}

func CandidateSubject(deviceID string) string {
	return fmt.Sprintf("%s.%s", SubjectCandidatePrefix, deviceID)
}
