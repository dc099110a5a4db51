package callroom

import (
	"fmt"
	"time"
)

// Direction направление вызова
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Status числовое состояние сигнализации сессии.
// Значения совпадают с состояниями SIP сессии user agent'а.
type Status int

const (
	// StatusUnanswered - на вызов еще не ответили
	StatusUnanswered Status = iota
	StatusInviteSent
	Status1xxReceived
	StatusInviteReceived
	StatusWaitingForAnswer
	StatusAnswered
	StatusWaitingForAck
	StatusCanceled
	// StatusTerminated - сессия завершена, повторное завершение не требуется
	StatusTerminated
	StatusConfirmed
)

var statusNames = map[Status]string{
	StatusUnanswered:       "unanswered",
	StatusInviteSent:       "invite_sent",
	Status1xxReceived:      "1xx_received",
	StatusInviteReceived:   "invite_received",
	StatusWaitingForAnswer: "waiting_for_answer",
	StatusAnswered:         "answered",
	StatusWaitingForAck:    "waiting_for_ack",
	StatusCanceled:         "canceled",
	StatusTerminated:       "terminated",
	StatusConfirmed:        "confirmed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// RoomID идентификатор комнаты. Ноль означает "комната не назначена".
type RoomID int

// CallState состояние жизненного цикла вызова
type CallState string

const (
	CallStateNew         CallState = "New"
	CallStateCreated     CallState = "Created"
	CallStateProgressing CallState = "Progressing"
	CallStateConfirmed   CallState = "Confirmed"
	CallStateEnded       CallState = "Ended"
	CallStateFailed      CallState = "Failed"
)

// EventKind закрытый набор событий жизненного цикла вызова
type EventKind int

const (
	EventNewCall EventKind = iota
	EventConfirmed
	EventProgress
	EventFailed
	EventEnded
)

var eventKindNames = map[EventKind]string{
	EventNewCall:   "new_call",
	EventConfirmed: "confirmed",
	EventProgress:  "progress",
	EventFailed:    "failed",
	EventEnded:     "ended",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseEventKind разбирает строковое имя события
func ParseEventKind(name string) (EventKind, bool) {
	for kind, n := range eventKindNames {
		if n == name {
			return kind, true
		}
	}
	return 0, false
}

// EventKinds возвращает все типы событий в порядке объявления
func EventKinds() []EventKind {
	return []EventKind{EventNewCall, EventConfirmed, EventProgress, EventFailed, EventEnded}
}

// SessionEvent данные события сигнализации, передаются подписчикам как есть
type SessionEvent struct {
	// Originator - "local", "remote" или "system"
	Originator string
	StatusCode int
	Reason     string
	Cause      string
	Timestamp  time.Time
}

// CallView публичное представление вызова.
// Содержит только разрешенные поля, без ссылок на сессию, треки и аудио выходы.
type CallView struct {
	ID             string    `json:"id"`
	RoomID         RoomID    `json:"room_id"`
	Direction      Direction `json:"direction"`
	Status         Status    `json:"status"`
	State          CallState `json:"state"`
	LocalHold      bool      `json:"local_hold"`
	AudioMuted     bool      `json:"audio_muted"`
	OutputMuted    bool      `json:"output_muted"`
	RemoteIdentity string    `json:"remote_identity,omitempty"`
	IsConfirmed    bool      `json:"is_confirmed"`
	CancelReason   string    `json:"cancel_reason,omitempty"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time,omitempty"`
}

// RoomInfo метаданные комнаты
type RoomInfo struct {
	ID      RoomID    `json:"room_id"`
	Started time.Time `json:"started"`
}

// DeviceKind тип медиа устройства
type DeviceKind string

const (
	DeviceKindAudioInput  DeviceKind = "audioinput"
	DeviceKindAudioOutput DeviceKind = "audiooutput"
)

// Device описание медиа устройства
type Device struct {
	ID    string     `json:"device_id"`
	Kind  DeviceKind `json:"kind"`
	Label string     `json:"label"`
}

// Constraints ограничения для захвата локального аудио
type Constraints struct {
	// AudioDeviceID - точный идентификатор устройства ввода
	AudioDeviceID string
}

// State снимок публичного состояния Phone для наблюдателей
type State struct {
	Calls         map[string]CallView `json:"calls"`
	Rooms         map[RoomID]RoomInfo `json:"rooms"`
	ActiveRoom    RoomID              `json:"active_room"`
	Muted         bool                `json:"muted"`
	DoNotDisturb  bool                `json:"dnd"`
	InputDevice   string              `json:"input_device"`
	OutputDevice  string              `json:"output_device"`
	Devices       []Device            `json:"devices"`
	UAInitialized bool                `json:"ua_init"`
	SIPDomain     string              `json:"sip_domain"`
}
