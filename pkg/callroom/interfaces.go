package callroom

import (
	"context"
)

// UserAgent внешний SIP user agent.
//
// Реализация обязана уведомлять SessionHandler о каждой новой сессии,
// как входящей, так и созданной через Call.
type UserAgent interface {
	Start(ctx context.Context) error
	Stop() error
	Call(ctx context.Context, target string, opts CallOptions) (Session, error)
	SetHandler(handler SessionHandler)
}

// UAConfig параметры создания user agent'а
type UAConfig struct {
	// URI - собственный адрес, например sip:1000@pbx.local
	URI         string
	DisplayName string
	Password    string
	UserAgent   string

	// Endpoints - адреса транспортов (udp://host:port, tcp://host:port)
	Endpoints []string
}

// UAFactory создает user agent при инициализации Phone
type UAFactory func(cfg UAConfig) (UserAgent, error)

// SessionHandler получает уведомления жизненного цикла сессий от user agent'а.
// Реализуется Phone.
type SessionHandler interface {
	OnNewSession(session Session)
	OnProgress(session Session, event SessionEvent)
	OnConfirmed(session Session, event SessionEvent)
	OnFailed(session Session, event SessionEvent)
	OnEnded(session Session, event SessionEvent)
}

// CallOptions опции исходящего вызова и ответа
type CallOptions struct {
	Constraints Constraints

	// Headers - дополнительные SIP заголовки
	Headers map[string]string
}

// TerminateOptions опции завершения сессии
type TerminateOptions struct {
	// StatusCode - код ответа для неотвеченной входящей сессии (например 486)
	StatusCode int
	Reason     string
}

// ReferOptions опции перевода вызова
type ReferOptions struct {
	// Replaces - сессия, которую заменяет перевод (attended transfer)
	Replaces Session
}

// Session сессия сигнализации одного вызова
type Session interface {
	ID() string
	Direction() Direction
	Status() Status
	RemoteIdentity() string

	IsOnHold() bool
	Hold(ctx context.Context) error
	Unhold(ctx context.Context) error

	IsMuted() bool
	Mute()
	Unmute()

	Answer(ctx context.Context, opts CallOptions) error
	Terminate(ctx context.Context, opts TerminateOptions) error
	Refer(ctx context.Context, target string, opts ReferOptions) error

	// Connection возвращает медиа соединение; может быть nil до установления медиа
	Connection() MediaConnection
}

// Track аудио трек с флагом включения
type Track interface {
	ID() string
	Enabled() bool
	SetEnabled(enabled bool)
}

// Stream набор треков, полученный от медиа платформы
type Stream interface {
	ID() string
	AudioTracks() []Track
	// Stop освобождает захваченные устройства
	Stop()
}

// Sender отправитель исходящего трека медиа соединения
type Sender interface {
	Track() Track
	ReplaceTrack(ctx context.Context, track Track) error
}

// Receiver получатель входящего трека медиа соединения
type Receiver interface {
	Track() Track
}

// MediaConnection медиа соединение сессии
type MediaConnection interface {
	Senders() []Sender
	Receivers() []Receiver
	// OnRemoteStream вызывается при появлении удаленного потока
	OnRemoteStream(handler func(stream Stream))
}

// MixDestination узел сложения: суммирует подключенные треки в один выходной
type MixDestination interface {
	Connect(track Track) error
	Output() Track
}

// AudioGraph граф микширования, владеет своими узлами
type AudioGraph interface {
	NewDestination() MixDestination
	Close() error
}

// AudioOutput воспроизведение удаленного потока на устройстве вывода
type AudioOutput interface {
	Muted() bool
	SetMuted(muted bool)
	SinkID() string
	SetSinkID(ctx context.Context, deviceID string) error
	Close() error
}

// MediaPlatform медиа платформа: устройства, захват, микширование, вывод
type MediaPlatform interface {
	EnumerateDevices(ctx context.Context) ([]Device, error)
	GetUserMedia(ctx context.Context, constraints Constraints) (Stream, error)
	NewAudioGraph() AudioGraph
	NewAudioOutput(stream Stream, sinkID string) (AudioOutput, error)
}

// Beeper необязательная возможность платформы: короткий сигнал на устройстве
// вывода при входящем вызове. Воспроизведение не блокирует вызывающего.
type Beeper interface {
	PlayBeep(sinkID string) error
}

// Preferences хранилище пользовательских настроек (ключ-значение)
type Preferences interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

const (
	// PrefSelectedInputDevice ключ выбранного устройства ввода
	PrefSelectedInputDevice = "selectedInputDevice"
	// PrefSelectedOutputDevice ключ выбранного устройства вывода
	PrefSelectedOutputDevice = "selectedOutputDevice"
)
