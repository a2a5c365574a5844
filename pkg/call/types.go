// Package call реализует звонок поверх сессий Jingle и менеджер звонков.
//
// Call связывает одну логическую беседу с сессией сигнализации, соединением
// транспортного движка и локальным захватом медиа. Исходящий звонок может
// временно иметь несколько устанавливаемых сессий, по одной на ресурс пира.
// Первая принятая сессия становится текущей, остальные завершаются.
//
// Состояние звонков живет в том же serial.Loop, что и менеджер сессий.
// Публичные методы Manager, принимающие context, безопасны из любой горутины,
// остальные методы вызываются внутри Loop.
package call

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"mellium.im/xmpp/jid"

	"github.com/arzzra/xmpp_call/pkg/jingle"
)

// Direction направление звонка
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// State состояние звонка
type State string

const (
	StateNew        State = "new"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateEnded      State = "ended"
)

func (s State) String() string {
	return string(s)
}

// Engine транспортный движок, создает соединения
type Engine interface {
	NewConnection(media jingle.MediaSet, events ConnectionEvents) (Connection, error)
}

// Connection соединение транспортного движка.
// CreateOffer и CreateAnswer также устанавливают локальное описание.
type Connection interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	Close() error
}

// ConnectionEvents уведомления движка. Вызываются из горутин движка.
type ConnectionEvents interface {
	// OnCandidate локальный кандидат, nil по окончании сбора
	OnCandidate(candidate *webrtc.ICECandidate)
	OnConnectionState(state webrtc.PeerConnectionState)
	OnTrack(kind jingle.MediaKind, trackID string)
}

// Resource доступный ресурс пира и его возможности
type Resource struct {
	JID      jid.JID
	Features jingle.Features
}

// Presence источник доступности ресурсов пира
type Presence interface {
	Resources(account, peer jid.JID) []Resource
}

// Permissions доступ к устройствам захвата
type Permissions interface {
	Authorize(ctx context.Context, kind jingle.MediaKind) error
}

// LocalMedia захват локального медиа. Каждый звонок получает свой Capture
// и останавливает только его.
type LocalMedia interface {
	Start(media jingle.MediaSet) (Capture, error)
}

// Capture захват устройств одного звонка
type Capture interface {
	Stop()
}

// Observer получатель событий звонка. Вызывается внутри Loop,
// поэтому не должен синхронно вызывать блокирующие методы Manager.
type Observer interface {
	CallStateChanged(c *Call, state State)
	CallTrack(c *Call, kind jingle.MediaKind, trackID string)
	// CallEnded вызывается ровно один раз на звонок
	CallEnded(c *Call, outcome jingle.Outcome, err error)
}

// Config параметры менеджера звонков
type Config struct {
	// PermissionTimeout ожидание ответа о доступе к устройствам
	PermissionTimeout time.Duration
	// CandidateSendDelay пауза между отправкой описания и первыми кандидатами
	CandidateSendDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		PermissionTimeout:  5 * time.Second,
		CandidateSendDelay: 100 * time.Millisecond,
	}
}

type allowAll struct{}

func (allowAll) Authorize(context.Context, jingle.MediaKind) error { return nil }

type nopMedia struct{}

func (nopMedia) Start(jingle.MediaSet) (Capture, error) { return nopMedia{}, nil }
func (nopMedia) Stop()                                  {}

type nopObserver struct{}

func (nopObserver) CallStateChanged(*Call, State)             {}
func (nopObserver) CallTrack(*Call, jingle.MediaKind, string) {}
func (nopObserver) CallEnded(*Call, jingle.Outcome, error)    {}
