package session

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v4"
	"mellium.im/xmpp/jid"

	"github.com/arzzra/xmpp_call/pkg/jingle"
	"github.com/arzzra/xmpp_call/pkg/jingle_sdp"
	"github.com/arzzra/xmpp_call/pkg/logger"
	"github.com/arzzra/xmpp_call/pkg/metrics"
)

// События машины состояний
const (
	eventInitiate  = "initiate"
	eventAccept    = "accept"
	eventTerminate = "terminate"
)

// bufferedCandidate кандидат, ожидающий удаленного описания
type bufferedCandidate struct {
	content string
	line    string
}

// Session один обмен сигнализацией с ресурсом пира
type Session struct {
	account    jid.JID
	peer       jid.JID
	sid        string
	role       jingle.Role
	initiation Initiation

	stateMachine *fsm.FSM

	local   *jingle_sdp.Description
	remote  *jingle_sdp.Description
	pending []bufferedCandidate
	sink    CandidateSink

	listener  Listener
	proceeded bool
	reason    *jingle.Reason

	manager *Manager
	logger  logger.StructuredLogger
}

func newSession(m *Manager, account, peer jid.JID, sid string, role jingle.Role, initiation Initiation) *Session {
	s := &Session{
		account:    account,
		peer:       peer,
		sid:        sid,
		role:       role,
		initiation: initiation,
		listener:   nopListener{},
		manager:    m,
	}
	s.logger = m.logger.WithFields(
		logger.String("account", account.String()),
		logger.String("peer", peer.String()),
		logger.String("sid", sid),
		logger.String("role", string(role)),
	)
	s.initStateMachine()
	return s
}

func (s *Session) initStateMachine() {
	s.stateMachine = fsm.NewFSM(
		string(StateCreated),
		fsm.Events{
			// Отправлено или получено предложение
			{Name: eventInitiate, Src: []string{string(StateCreated)}, Dst: string(StateInitiating)},
			// Предложение принято
			{Name: eventAccept, Src: []string{string(StateInitiating)}, Dst: string(StateAccepted)},
			// Завершение из любого живого состояния
			{Name: eventTerminate, Src: []string{string(StateCreated), string(StateInitiating), string(StateAccepted)}, Dst: string(StateTerminated)},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				s.logger.Debug(ctx, "session state changed",
					logger.String("from", e.Src), logger.String("to", e.Dst))
			},
		},
	)
}

func (s *Session) fire(event string) error {
	from := s.stateMachine.Current()
	if err := s.stateMachine.Event(context.Background(), event); err != nil {
		return jingle.ErrInvalidTransition(from, event).WithCause(err).WithField("sid", s.sid)
	}
	return nil
}

func (s *Session) SID() string            { return s.sid }
func (s *Session) Account() jid.JID       { return s.account }
func (s *Session) Peer() jid.JID          { return s.peer }
func (s *Session) Role() jingle.Role      { return s.role }
func (s *Session) Initiation() Initiation { return s.initiation }
func (s *Session) State() State           { return State(s.stateMachine.Current()) }
func (s *Session) Pending() int           { return len(s.pending) }
func (s *Session) Reason() *jingle.Reason { return s.reason }
func (s *Session) Proceeded() bool        { return s.proceeded }
func (s *Session) Terminated() bool       { return s.State() == StateTerminated }

// Remote удаленное описание, nil пока оно неизвестно
func (s *Session) Remote() *jingle_sdp.Description { return s.remote }

// Local локальное описание, отправленное пиру
func (s *Session) Local() *jingle_sdp.Description { return s.local }

// AwaitingProceed исходящая сессия через propose, ресурс еще не ответил
func (s *Session) AwaitingProceed() bool {
	return s.initiation == InitiationMessage && s.role == jingle.RoleInitiator && !s.proceeded
}

// SetListener назначает владельца сессии
func (s *Session) SetListener(l Listener) {
	if l == nil {
		l = nopListener{}
	}
	s.listener = l
}

// AttachSink подключает движок и сбрасывает в него накопленные кандидаты
func (s *Session) AttachSink(sink CandidateSink) {
	s.sink = sink
	s.flush()
}

// Initiated получено предложение. Контент становится удаленным описанием.
func (s *Session) Initiated(contents []jingle.Content, bundle []string) error {
	switch s.State() {
	case StateCreated:
		if err := s.fire(eventInitiate); err != nil {
			return err
		}
	case StateInitiating:
		if s.remote != nil {
			return jingle.ErrInvalidTransition(string(StateInitiating), eventInitiate).WithField("sid", s.sid)
		}
	default:
		return jingle.ErrInvalidTransition(string(s.State()), eventInitiate).WithField("sid", s.sid)
	}

	s.remote = &jingle_sdp.Description{Contents: contents, Bundle: bundle}
	s.flush()
	s.listener.SessionInitiated(s)
	return nil
}

// Accepted пир принял наше предложение, его ответ становится удаленным описанием
func (s *Session) Accepted(contents []jingle.Content, bundle []string) error {
	if s.role != jingle.RoleInitiator {
		return jingle.ErrInvalidTransition(string(s.State()), eventAccept).
			WithField("sid", s.sid).WithField("role", string(s.role))
	}
	if err := s.fire(eventAccept); err != nil {
		return err
	}

	s.remote = &jingle_sdp.Description{Contents: contents, Bundle: bundle}
	s.flush()
	s.listener.SessionAccepted(s)
	return nil
}

// AddCandidate кладет кандидат в буфер и пытается сбросить буфер.
// Кандидаты для завершенной сессии молча отбрасываются.
func (s *Session) AddCandidate(content, line string) {
	if s.Terminated() {
		s.manager.metrics.Candidates(metrics.CandidateDropped, 1)
		return
	}
	s.pending = append(s.pending, bufferedCandidate{content: content, line: line})
	s.manager.metrics.Candidates(metrics.CandidateBuffered, 1)
	s.flush()
}

// flush передает буфер движку в порядке поступления.
// Без удаленного описания или без движка буфер сохраняется.
func (s *Session) flush() {
	if s.remote == nil || s.sink == nil || len(s.pending) == 0 {
		return
	}

	pending := s.pending
	s.pending = nil

	flushed, dropped := 0, 0
	for _, c := range pending {
		index, ok := s.remote.ContentIndex(c.content)
		if !ok {
			s.logger.Warn(context.Background(), "candidate for unknown content dropped",
				logger.String("content", c.content))
			dropped++
			continue
		}

		mid := s.remote.Contents[index].Name
		mline := uint16(index)
		err := s.sink.AddICECandidate(webrtc.ICECandidateInit{
			Candidate:     c.line,
			SDPMid:        &mid,
			SDPMLineIndex: &mline,
		})
		if err != nil {
			s.logger.LogError(context.Background(), err, "engine rejected candidate",
				logger.String("content", c.content))
			dropped++
			continue
		}
		flushed++
	}

	s.manager.metrics.Candidates(metrics.CandidateFlushed, flushed)
	s.manager.metrics.Candidates(metrics.CandidateDropped, dropped)
}

// Proceed ресурс пира подтвердил propose. Сессия привязывается к его полному адресу.
func (s *Session) Proceed(from jid.JID) error {
	if !s.AwaitingProceed() || s.Terminated() {
		return jingle.ErrInvalidTransition(string(s.State()), "proceed").WithField("sid", s.sid)
	}
	if !s.peer.Equal(from) {
		if err := s.manager.registry.rebind(s, from); err != nil {
			return err
		}
		s.logger = s.logger.WithFields(logger.String("peer", from.String()))
	}
	s.proceeded = true
	s.listener.SessionProceeded(s)
	return nil
}

// SendPropose отправляет propose на bare адрес пира
func (s *Session) SendPropose(media jingle.MediaSet) error {
	if s.initiation != InitiationMessage || s.role != jingle.RoleInitiator {
		return jingle.ErrInvalidTransition(string(s.State()), "propose").WithField("sid", s.sid)
	}
	if err := s.fire(eventInitiate); err != nil {
		return err
	}
	s.sendMessage(s.peer.Bare(), jingle.NewPropose(s.sid, media))
	return nil
}

// SendProceed принимает propose: accept своим ресурсам и proceed вызывающему
func (s *Session) SendProceed() error {
	if s.initiation != InitiationMessage || s.role != jingle.RoleResponder || s.proceeded || s.Terminated() {
		return jingle.ErrInvalidTransition(string(s.State()), "proceed").WithField("sid", s.sid)
	}
	s.proceeded = true
	s.sendMessage(s.account.Bare(), &jingle.Accept{ID: s.sid})
	s.sendMessage(s.peer, &jingle.Proceed{ID: s.sid})
	return nil
}

// SendInitiate отправляет session-initiate с локальным предложением
func (s *Session) SendInitiate(local *jingle_sdp.Description) error {
	if s.role != jingle.RoleInitiator || s.AwaitingProceed() || s.local != nil {
		return jingle.ErrInvalidTransition(string(s.State()), "session-initiate").WithField("sid", s.sid)
	}
	if s.State() == StateCreated {
		if err := s.fire(eventInitiate); err != nil {
			return err
		}
	}
	if s.State() != StateInitiating {
		return jingle.ErrInvalidTransition(string(s.State()), "session-initiate").WithField("sid", s.sid)
	}

	s.local = local
	s.sendIQ(jingle.NewSessionInitiate(s.sid, s.account.String(), local.Contents, local.Bundle), true)
	return nil
}

// SendAccept отправляет session-accept с локальным ответом
func (s *Session) SendAccept(local *jingle_sdp.Description) error {
	if s.role != jingle.RoleResponder || s.remote == nil {
		return jingle.ErrInvalidTransition(string(s.State()), eventAccept).WithField("sid", s.sid)
	}
	if err := s.fire(eventAccept); err != nil {
		return err
	}

	s.local = local
	s.sendIQ(jingle.NewSessionAccept(s.sid, s.account.String(), local.Contents, local.Bundle), true)
	s.flush()
	s.listener.SessionAccepted(s)
	return nil
}

// CandidateFromICE переводит кандидат движка в проводную форму
func CandidateFromICE(c *webrtc.ICECandidate) jingle.Candidate {
	return jingle.Candidate{
		Foundation: c.Foundation,
		Component:  c.Component,
		Protocol:   strings.ToLower(c.Protocol.String()),
		Priority:   c.Priority,
		IP:         c.Address,
		Port:       c.Port,
		Type:       c.Typ.String(),
		RelAddr:    c.RelatedAddress,
		RelPort:    c.RelatedPort,
		TCPType:    c.TCPType,
		Generation: 0,
	}
}

// SendCandidate отправляет локальный кандидат в transport-info.
// Кандидат относится к первому контенту, все контенты идут в одном BUNDLE.
func (s *Session) SendCandidate(c *webrtc.ICECandidate) error {
	if c == nil || s.Terminated() {
		return nil
	}

	desc := s.local
	if desc == nil || len(desc.Contents) == 0 {
		desc = s.remote
	}
	if desc == nil || len(desc.Contents) == 0 {
		return jingle.ErrInvalidTransition(string(s.State()), "transport-info").WithField("sid", s.sid)
	}

	first := desc.Contents[0]
	candidate := CandidateFromICE(c)
	candidate.ID = uuid.NewString()

	transport := &jingle.ICETransport{Candidates: []jingle.Candidate{candidate}}
	if first.Transport != nil {
		transport.Ufrag = first.Transport.Ufrag
		transport.Pwd = first.Transport.Pwd
	}

	content := jingle.Content{Name: first.Name, Creator: first.Creator, Transport: transport}
	s.sendIQ(jingle.NewTransportInfo(s.sid, content), false)
	s.manager.metrics.Candidates(metrics.CandidateSent, 1)
	return nil
}

// Decline завершает сессию с причиной decline
func (s *Session) Decline() {
	s.Terminate(jingle.NewReason(jingle.ReasonDecline))
}

// Terminate завершает сессию локально и сообщает пиру.
// До ответа на propose вместо session-terminate отправляется retract или reject.
// Повторный вызов ничего не делает.
func (s *Session) Terminate(reason *jingle.Reason) {
	if s.Terminated() {
		return
	}
	if reason == nil {
		reason = jingle.NewReason(jingle.ReasonSuccess)
	}

	switch {
	case s.initiation == InitiationMessage && !s.proceeded && s.State() != StateCreated:
		if s.role == jingle.RoleInitiator {
			s.sendMessage(s.peer.Bare(), &jingle.Retract{ID: s.sid})
		} else {
			s.sendMessage(s.peer, &jingle.Reject{ID: s.sid})
		}
	case s.State() != StateCreated:
		s.sendIQ(jingle.NewSessionTerminate(s.sid, reason), false)
	}

	s.finish(reason, nil)
}

// Rejected пир отклонил propose. Пока ни один ресурс не ответил proceed,
// propose отзывается у всех ресурсов bare адреса, иначе они продолжат звонить.
func (s *Session) Rejected() {
	if s.Terminated() {
		return
	}
	if s.AwaitingProceed() {
		s.sendMessage(s.peer.Bare(), &jingle.Retract{ID: s.sid})
	}
	s.finish(jingle.NewReason(jingle.ReasonDecline), nil)
}

// TerminatedBy завершение по инициативе пира, ничего не отправляет
func (s *Session) TerminatedBy(reason *jingle.Reason) {
	s.finish(reason, nil)
}

func (s *Session) finish(reason *jingle.Reason, cause error) {
	if s.Terminated() {
		return
	}
	if err := s.fire(eventTerminate); err != nil {
		s.logger.LogError(context.Background(), err, "terminate transition failed")
		return
	}

	s.reason = reason
	if n := len(s.pending); n > 0 {
		s.manager.metrics.Candidates(metrics.CandidateDropped, n)
		s.pending = nil
	}
	s.sink = nil

	s.manager.forget(s)
	s.logger.Info(context.Background(), "session terminated",
		logger.String("reason", string(jingle.ConditionOf(reason))))
	s.listener.SessionTerminated(s, reason, cause)
}

// sendIQ отправляет IQ вне Loop, результат возвращается в Loop.
// Сбой критичного IQ завершает сессию локально.
func (s *Session) sendIQ(j *jingle.Jingle, critical bool) {
	m := s.manager
	account, peer := s.account, s.peer

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.IQTimeout)
		defer cancel()

		err := jingle.ClassifyIQError(j.Action, j.SID, m.sender.SendIQ(ctx, account, peer, j))
		if err == nil {
			return
		}
		m.loop.Post(func() { s.iqFailed(j.Action, err, critical) })
	}()
}

func (s *Session) iqFailed(action jingle.ActionName, err error, critical bool) {
	if s.Terminated() {
		s.logger.Debug(context.Background(), "late iq failure ignored",
			logger.String("action", string(action)), logger.Err(err))
		return
	}
	s.logger.LogError(context.Background(), err, "iq failed", logger.String("action", string(action)))
	if !critical {
		return
	}

	condition := jingle.ReasonGeneralError
	if jingle.CategoryOf(err) == jingle.ErrorCategoryTimeout {
		condition = jingle.ReasonTimeout
	}
	s.finish(jingle.NewReason(condition), err)
}

func (s *Session) sendMessage(to jid.JID, payload jingle.MessagePayload) {
	m := s.manager
	account := s.account

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.IQTimeout)
		defer cancel()

		if err := m.sender.SendMessage(ctx, account, to, payload); err != nil {
			m.loop.Post(func() {
				s.logger.LogError(context.Background(), err, "message send failed",
					logger.String("to", to.String()))
			})
		}
	}()
}
