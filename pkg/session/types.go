// Package session реализует сессию Jingle и менеджер сессий.
//
// Session хранит состояние одного обмена сигнализацией, удаленное описание
// и буфер ICE кандидатов. Manager держит реестр сессий с ключом
// (account, peer, sid) и маршрутизирует входящие действия.
//
// Все методы Session и Manager, кроме HandleEvent, Dispatch и PeerUnavailable,
// должны вызываться внутри serial.Loop менеджера.
package session

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"mellium.im/xmpp/jid"

	"github.com/arzzra/xmpp_call/pkg/jingle"
)

// State состояние сессии
type State string

const (
	StateCreated    State = "created"
	StateInitiating State = "initiating"
	StateAccepted   State = "accepted"
	StateTerminated State = "terminated"
)

func (s State) String() string {
	return string(s)
}

// Initiation вариант инициации звонка
type Initiation string

const (
	// InitiationIQ session-initiate через IQ
	InitiationIQ Initiation = "iq"
	// InitiationMessage propose/proceed через <message/> (XEP-0353)
	InitiationMessage Initiation = "message"
)

// StanzaSender отправка станз сигнализации.
// SendIQ ждет ответ result или error до истечения ctx.
type StanzaSender interface {
	SendIQ(ctx context.Context, from, to jid.JID, j *jingle.Jingle) error
	SendMessage(ctx context.Context, from, to jid.JID, payload jingle.MessagePayload) error
}

// CandidateSink принимает удаленные кандидаты с позиционной адресацией.
// Подключается только после того, как движок получил удаленное описание.
type CandidateSink interface {
	AddICECandidate(candidate webrtc.ICECandidateInit) error
}

// Listener события сессии для владельца (звонка)
type Listener interface {
	// SessionInitiated получено предложение session-initiate
	SessionInitiated(s *Session)
	// SessionProceeded ресурс пира подтвердил propose
	SessionProceeded(s *Session)
	// SessionAccepted получен или отправлен session-accept
	SessionAccepted(s *Session)
	// SessionTerminated сессия завершена, err не nil для локальных сбоев
	SessionTerminated(s *Session, reason *jingle.Reason, err error)
}

// IncomingHandler прием входящих звонков. Ошибка приводит к отказу:
// конфликт отклоняется с причиной busy, прочие ошибки с decline.
type IncomingHandler interface {
	IncomingSession(s *Session, media jingle.MediaSet) error
}

// Config параметры менеджера сессий
type Config struct {
	IQTimeout time.Duration
	// TombstoneTTL сколько помнить завершенные sid для тихого сброса кандидатов
	TombstoneTTL time.Duration
}

// DefaultConfig значения по умолчанию
func DefaultConfig() Config {
	return Config{
		IQTimeout:    30 * time.Second,
		TombstoneTTL: 5 * time.Minute,
	}
}

// nopListener используется пока владелец не назначен
type nopListener struct{}

func (nopListener) SessionInitiated(*Session)                         {}
func (nopListener) SessionProceeded(*Session)                         {}
func (nopListener) SessionAccepted(*Session)                          {}
func (nopListener) SessionTerminated(*Session, *jingle.Reason, error) {}
