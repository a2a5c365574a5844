package jingle

import (
	"mellium.im/xmpp/jid"
)

// Event входящее действие сигнализации
type Event struct {
	Account jid.JID
	From    jid.JID
	Action  Action
}

// Action закрытая сумма действий сигнализации.
// Каждый вариант диспатчится в свой метод Handler, поэтому новый вариант
// без обработчика не скомпилируется.
type Action interface {
	SessionID() string
	dispatch(ev Event, h Handler) error
}

// Handler обработчик всех видов действий
type Handler interface {
	HandlePropose(ev Event, a *Propose) error
	HandleRetract(ev Event, a *Retract) error
	HandleAccept(ev Event, a *Accept) error
	HandleReject(ev Event, a *Reject) error
	HandleProceed(ev Event, a *Proceed) error
	HandleSessionInitiate(ev Event, a *SessionInitiate) error
	HandleSessionAccept(ev Event, a *SessionAccept) error
	HandleSessionTerminate(ev Event, a *SessionTerminate) error
	HandleTransportInfo(ev Event, a *TransportInfo) error
}

// Dispatch передает событие обработчику соответствующего вида
func (ev Event) Dispatch(h Handler) error {
	if ev.Action == nil {
		return ErrMalformedPayload(nil)
	}
	return ev.Action.dispatch(ev, h)
}

// IQ действия. Встраивают элемент <jingle/>.
type (
	SessionInitiate  struct{ *Jingle }
	SessionAccept    struct{ *Jingle }
	SessionTerminate struct{ *Jingle }
	TransportInfo    struct{ *Jingle }
)

// ActionFromJingle возвращает типизированное действие для элемента
func ActionFromJingle(j *Jingle) (Action, error) {
	if j == nil || j.SID == "" {
		return nil, ErrMalformedPayload(nil)
	}
	switch j.Action {
	case ActionSessionInitiate:
		return &SessionInitiate{j}, nil
	case ActionSessionAccept:
		return &SessionAccept{j}, nil
	case ActionSessionTerminate:
		return &SessionTerminate{j}, nil
	case ActionTransportInfo:
		return &TransportInfo{j}, nil
	default:
		return nil, ErrUnsupportedAction(string(j.Action))
	}
}

func (a *SessionInitiate) SessionID() string  { return a.SID }
func (a *SessionAccept) SessionID() string    { return a.SID }
func (a *SessionTerminate) SessionID() string { return a.SID }
func (a *TransportInfo) SessionID() string    { return a.SID }
func (a *Propose) SessionID() string          { return a.ID }
func (a *Retract) SessionID() string          { return a.ID }
func (a *Accept) SessionID() string           { return a.ID }
func (a *Reject) SessionID() string           { return a.ID }
func (a *Proceed) SessionID() string          { return a.ID }

func (a *SessionInitiate) dispatch(ev Event, h Handler) error  { return h.HandleSessionInitiate(ev, a) }
func (a *SessionAccept) dispatch(ev Event, h Handler) error    { return h.HandleSessionAccept(ev, a) }
func (a *SessionTerminate) dispatch(ev Event, h Handler) error { return h.HandleSessionTerminate(ev, a) }
func (a *TransportInfo) dispatch(ev Event, h Handler) error    { return h.HandleTransportInfo(ev, a) }
func (a *Propose) dispatch(ev Event, h Handler) error          { return h.HandlePropose(ev, a) }
func (a *Retract) dispatch(ev Event, h Handler) error          { return h.HandleRetract(ev, a) }
func (a *Accept) dispatch(ev Event, h Handler) error           { return h.HandleAccept(ev, a) }
func (a *Reject) dispatch(ev Event, h Handler) error           { return h.HandleReject(ev, a) }
func (a *Proceed) dispatch(ev Event, h Handler) error          { return h.HandleProceed(ev, a) }

// NewSessionInitiate строит session-initiate
func NewSessionInitiate(sid, initiator string, contents []Content, bundle []string) *Jingle {
	return &Jingle{
		Action:    ActionSessionInitiate,
		SID:       sid,
		Initiator: initiator,
		Contents:  contents,
		Group:     NewBundle(bundle),
	}
}

// NewSessionAccept строит session-accept
func NewSessionAccept(sid, responder string, contents []Content, bundle []string) *Jingle {
	return &Jingle{
		Action:    ActionSessionAccept,
		SID:       sid,
		Responder: responder,
		Contents:  contents,
		Group:     NewBundle(bundle),
	}
}

// NewSessionTerminate строит session-terminate с причиной
func NewSessionTerminate(sid string, reason *Reason) *Jingle {
	return &Jingle{
		Action: ActionSessionTerminate,
		SID:    sid,
		Reason: reason,
	}
}

// NewTransportInfo строит transport-info с одним кандидатом
func NewTransportInfo(sid string, content Content) *Jingle {
	return &Jingle{
		Action:   ActionTransportInfo,
		SID:      sid,
		Contents: []Content{content},
	}
}
