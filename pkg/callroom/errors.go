package callroom

import (
	"fmt"
)

// ErrorCode типизированные коды ошибок слоя оркестрации
type ErrorCode int

const (
	// Ошибки использования
	ErrorCodeNotInitialized ErrorCode = iota + 2000
	ErrorCodeAlreadyInitialized
	ErrorCodeEmptyTarget
	ErrorCodeCallNotFound
	ErrorCodeRoomNotFound
	ErrorCodeDeviceNotFound
	ErrorCodeInvalidConfig

	// Ошибки медиа
	ErrorCodeMediaAcquisition

	// Ошибки сигнализации
	ErrorCodeSignaling
)

func (code ErrorCode) String() string {
	switch code {
	case ErrorCodeNotInitialized:
		return "NotInitialized"
	case ErrorCodeAlreadyInitialized:
		return "AlreadyInitialized"
	case ErrorCodeEmptyTarget:
		return "EmptyTarget"
	case ErrorCodeCallNotFound:
		return "CallNotFound"
	case ErrorCodeRoomNotFound:
		return "RoomNotFound"
	case ErrorCodeDeviceNotFound:
		return "DeviceNotFound"
	case ErrorCodeInvalidConfig:
		return "InvalidConfig"
	case ErrorCodeMediaAcquisition:
		return "MediaAcquisition"
	case ErrorCodeSignaling:
		return "Signaling"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// Error ошибка слоя оркестрации.
// Сравнение через errors.Is выполняется по коду.
type Error struct {
	Code    ErrorCode
	Message string
	CallID  string
	Wrapped error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[callroom:%s] %s", e.Code, e.Message)
	if e.CallID != "" {
		msg = fmt.Sprintf("[callroom:%s] вызов %s: %s", e.Code, e.CallID, e.Message)
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Эталонные ошибки для errors.Is
var (
	ErrNotInitialized     = &Error{Code: ErrorCodeNotInitialized, Message: "user agent не инициализирован, вызовите Init"}
	ErrAlreadyInitialized = &Error{Code: ErrorCodeAlreadyInitialized, Message: "user agent уже инициализирован"}
	ErrEmptyTarget        = &Error{Code: ErrorCodeEmptyTarget, Message: "не указан адресат"}
	ErrCallNotFound       = &Error{Code: ErrorCodeCallNotFound, Message: "вызов не найден"}
	ErrRoomNotFound       = &Error{Code: ErrorCodeRoomNotFound, Message: "комната не найдена"}
	ErrDeviceNotFound     = &Error{Code: ErrorCodeDeviceNotFound, Message: "устройство не найдено"}
	ErrMediaAcquisition   = &Error{Code: ErrorCodeMediaAcquisition, Message: "не удалось захватить локальное аудио"}
)

func newCallError(code ErrorCode, callID, message string) *Error {
	return &Error{Code: code, Message: message, CallID: callID}
}

func wrapError(code ErrorCode, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Wrapped: err}
}
