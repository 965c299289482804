package speech

import (
	"errors"
	"fmt"
)

// ErrAlreadyStarted is returned by Platform.StartSession when the underlying
// engine still has a session running.
var ErrAlreadyStarted = errors.New("speech: recognition already started")

// PermissionKind classifies a failed microphone acquisition.
type PermissionKind string

const (
	KindDenied          PermissionKind = "denied"
	KindDeviceNotFound  PermissionKind = "device-not-found"
	KindDeviceBusy      PermissionKind = "device-busy"
	KindOverconstrained PermissionKind = "overconstrained"
	KindSecurity        PermissionKind = "security"
	KindInsecureContext PermissionKind = "insecure-context"
	KindUnsupported     PermissionKind = "unsupported"
	KindRequestFailed   PermissionKind = "request-failed"
	KindUnknown         PermissionKind = "unknown"
)

// PermissionError is returned by Platform.RequestPermission.
type PermissionError struct {
	Kind PermissionKind
	Err  error
}

func (e *PermissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("microphone permission %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("microphone permission %s", e.Kind)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// PermissionKindOf extracts the kind from err, defaulting to KindUnknown.
func PermissionKindOf(err error) PermissionKind {
	var perr *PermissionError
	if errors.As(err, &perr) && perr.Kind != "" {
		return perr.Kind
	}
	return KindUnknown
}

// KindFromDOMError maps browser media error names (NotAllowedError, ...) to a
// permission kind.
func KindFromDOMError(name string) PermissionKind {
	switch name {
	case "NotAllowedError", "PermissionDeniedError":
		return KindDenied
	case "NotFoundError", "DevicesNotFoundError":
		return KindDeviceNotFound
	case "NotReadableError", "TrackStartError":
		return KindDeviceBusy
	case "OverconstrainedError":
		return KindOverconstrained
	case "SecurityError":
		return KindSecurity
	case "TypeError":
		return KindRequestFailed
	default:
		return KindUnknown
	}
}

var permissionMessages = map[PermissionKind]string{
	KindDenied:          "Você negou o acesso ao microfone. Para usar este recurso, clique no ícone de cadeado/microfone na barra de endereço do navegador e permita o acesso.",
	KindDeviceNotFound:  "Nenhum microfone foi encontrado. Conecte um microfone e tente novamente.",
	KindDeviceBusy:      "Não foi possível acessar o microfone. Ele pode estar sendo usado por outro aplicativo.",
	KindOverconstrained: "As configurações de áudio solicitadas não são suportadas pelo seu microfone.",
	KindSecurity:        "Erro de segurança ao acessar o microfone. Verifique se está usando HTTPS.",
	KindInsecureContext: "O reconhecimento de voz requer uma conexão segura (HTTPS).",
	KindUnsupported:     "Seu navegador não suporta acesso ao microfone.",
	KindRequestFailed:   "Erro ao solicitar permissão. Seu navegador pode não suportar este recurso.",
	KindUnknown:         "Erro desconhecido ao solicitar permissão do microfone. Tente novamente.",
}

// Message returns the user-facing text for the permission failure.
func (k PermissionKind) Message() string {
	if msg, ok := permissionMessages[k]; ok {
		return msg
	}
	return permissionMessages[KindUnknown]
}

// RecognitionCode is the error code reported by a recognition session.
type RecognitionCode string

const (
	CodeNoSpeech     RecognitionCode = "no-speech"
	CodeAudioCapture RecognitionCode = "audio-capture"
	CodeNetwork      RecognitionCode = "network"
	CodeAborted      RecognitionCode = "aborted"
	CodeNotAllowed   RecognitionCode = "not-allowed"
)

// Message returns the user-facing text for the recognition failure.
func (c RecognitionCode) Message() string {
	switch c {
	case CodeNotAllowed:
		return "Permissão de microfone negada. Por favor, permita o acesso ao microfone nas configurações do navegador."
	case CodeNoSpeech:
		return "Nenhuma fala detectada. Tente novamente."
	case CodeAudioCapture:
		return "Microfone não encontrado. Verifique se está conectado."
	case CodeNetwork:
		return "Erro de conexão. Verifique sua internet."
	case CodeAborted:
		return "Gravação cancelada."
	default:
		return fmt.Sprintf("Erro no reconhecimento: %s", string(c))
	}
}

const (
	msgUnsupported = "Reconhecimento de voz não suportado neste navegador"
	msgStartFailed = "Erro ao iniciar gravação. Verifique as permissões do microfone."
	msgRetryFailed = "Erro ao iniciar gravação. Tente novamente."
)
