package audiomix

import (
	"fmt"
)

// ErrorCode код ошибки медиа платформы
type ErrorCode int

const (
	ErrorCodeDeviceNotFound ErrorCode = iota + 1000
	ErrorCodeDeviceKindMismatch
	ErrorCodeForeignTrack
	ErrorCodeGraphClosed
	ErrorCodeOutputClosed
	ErrorCodePayloadInvalid
	ErrorCodeUnsupportedPayloadType
)

// String возвращает строковое представление кода ошибки
func (code ErrorCode) String() string {
	switch code {
	case ErrorCodeDeviceNotFound:
		return "DeviceNotFound"
	case ErrorCodeDeviceKindMismatch:
		return "DeviceKindMismatch"
	case ErrorCodeForeignTrack:
		return "ForeignTrack"
	case ErrorCodeGraphClosed:
		return "GraphClosed"
	case ErrorCodeOutputClosed:
		return "OutputClosed"
	case ErrorCodePayloadInvalid:
		return "PayloadInvalid"
	case ErrorCodeUnsupportedPayloadType:
		return "UnsupportedPayloadType"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// MediaError ошибка медиа платформы с типизированным кодом
type MediaError struct {
	Code     ErrorCode
	Message  string
	DeviceID string
	Wrapped  error
}

func (e *MediaError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("[audiomix:%s] устройство %s: %s", e.Code, e.DeviceID, e.Message)
	}
	return fmt.Sprintf("[audiomix:%s] %s", e.Code, e.Message)
}

func (e *MediaError) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки по коду
func (e *MediaError) Is(target error) bool {
	if t, ok := target.(*MediaError); ok {
		return e.Code == t.Code
	}
	return false
}

var (
	ErrDeviceNotFound = &MediaError{Code: ErrorCodeDeviceNotFound, Message: "устройство не найдено"}
	ErrForeignTrack   = &MediaError{Code: ErrorCodeForeignTrack, Message: "трек не может быть прочитан микшером"}
	ErrGraphClosed    = &MediaError{Code: ErrorCodeGraphClosed, Message: "граф закрыт"}
	ErrOutputClosed   = &MediaError{Code: ErrorCodeOutputClosed, Message: "выход закрыт"}
)

func newDeviceError(code ErrorCode, deviceID, message string) *MediaError {
	return &MediaError{Code: code, Message: message, DeviceID: deviceID}
}
