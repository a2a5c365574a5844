package session

import (
	"context"
	"errors"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/arzzra/xmpp_call/pkg/jingle"
	"github.com/arzzra/xmpp_call/pkg/logger"
	"github.com/arzzra/xmpp_call/pkg/metrics"
	"github.com/arzzra/xmpp_call/pkg/serial"
)

var _ jingle.Handler = (*Manager)(nil)

// Manager реестр сессий и маршрутизация входящих действий
type Manager struct {
	loop     *serial.Loop
	sender   StanzaSender
	registry *registry
	incoming IncomingHandler

	config  Config
	logger  logger.StructuredLogger
	metrics *metrics.MetricsCollector
	now     func() time.Time
}

// Option настройка менеджера
type Option func(*Manager)

func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.config = cfg }
}

func WithLogger(l logger.StructuredLogger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithMetrics(mc *metrics.MetricsCollector) Option {
	return func(m *Manager) { m.metrics = mc }
}

// NewManager создает менеджер поверх общего Loop
func NewManager(loop *serial.Loop, sender StanzaSender, opts ...Option) (*Manager, error) {
	m := &Manager{
		loop:   loop,
		sender: sender,
		config: DefaultConfig(),
		logger: logger.GetDefaultLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("session_manager")

	reg, err := newRegistry(m.config.TombstoneTTL)
	if err != nil {
		return nil, err
	}
	m.registry = reg
	return m, nil
}

// Loop точка сериализации менеджера
func (m *Manager) Loop() *serial.Loop {
	return m.loop
}

// SetIncomingHandler назначает обработчик входящих звонков
func (m *Manager) SetIncomingHandler(h IncomingHandler) {
	m.incoming = h
}

// Open создает сессию и добавляет ее в реестр. Дубликаты не проверяются.
func (m *Manager) Open(account, peer jid.JID, sid string, role jingle.Role, initiation Initiation) *Session {
	s := newSession(m, account, peer, sid, role, initiation)

	replaced, err := m.registry.insert(s)
	if err != nil {
		m.logger.LogError(context.Background(), err, "session registry insert failed",
			logger.String("sid", sid))
	}
	if replaced != nil {
		m.logger.Warn(context.Background(), "session with the same key replaced",
			logger.String("peer", peer.String()), logger.String("sid", sid))
	}

	m.metrics.SessionOpened(string(role), string(initiation))
	s.logger.Debug(context.Background(), "session opened",
		logger.String("initiation", string(initiation)))
	return s
}

// Lookup ищет сессию. Адрес пира без ресурса совпадает с любым ресурсом,
// пустой sid совпадает с любой сессией пира.
func (m *Manager) Lookup(account, peer jid.JID, sid string) *Session {
	return m.registry.find(account, peer, sid)
}

// Close удаляет сессию из реестра и возвращает ее, nil если ее нет
func (m *Manager) Close(account, peer jid.JID, sid string) *Session {
	s := m.registry.find(account, peer, sid)
	if s == nil {
		return nil
	}
	if m.registry.remove(s, m.now()) {
		m.metrics.SessionTerminated("closed")
	}
	return s
}

// Count число сессий в реестре
func (m *Manager) Count() int {
	return m.registry.count()
}

// forget вызывается сессией при завершении
func (m *Manager) forget(s *Session) {
	if m.registry.remove(s, m.now()) {
		m.metrics.SessionTerminated(string(jingle.ConditionOf(s.reason)))
	}
}

func (m *Manager) find(account, peer jid.JID, sid string) (*Session, error) {
	s := m.registry.find(account, peer, sid)
	if s == nil {
		return nil, jingle.ErrSessionNotFound(account.String(), peer.String(), sid)
	}
	return s, nil
}

// HandleEvent ставит входящее действие в Loop без ожидания
func (m *Manager) HandleEvent(ev jingle.Event) {
	m.loop.Post(func() {
		if err := m.handle(ev); err != nil {
			m.logger.LogError(context.Background(), err, "inbound action failed",
				logger.String("from", ev.From.String()))
		}
	})
}

// Dispatch обрабатывает действие в Loop и возвращает результат,
// чтобы транспорт мог ответить на IQ ошибкой
func (m *Manager) Dispatch(ctx context.Context, ev jingle.Event) error {
	return m.loop.Do(ctx, func() error {
		return m.handle(ev)
	})
}

func (m *Manager) handle(ev jingle.Event) error {
	if ev.Action == nil {
		return jingle.ErrMalformedPayload(nil)
	}
	m.logger.Trace(context.Background(), "inbound action",
		logger.String("from", ev.From.String()),
		logger.String("sid", ev.Action.SessionID()))
	return ev.Dispatch(m)
}

// PeerUnavailable завершает сессии с ресурсом пира, ставшим недоступным.
// Сессии, привязанные к bare адресу (propose без ответа), не затрагиваются.
func (m *Manager) PeerUnavailable(account, peer jid.JID) {
	m.loop.Post(func() {
		m.peerUnavailable(account, peer)
	})
}

func (m *Manager) peerUnavailable(account, peer jid.JID) {
	for _, s := range m.registry.findAll(account, peer, "") {
		if peer.Resourcepart() != "" && s.peer.Resourcepart() == "" {
			continue
		}
		s.TerminatedBy(jingle.NewReason(jingle.ReasonGone))
	}
}

// admit передает новую входящую сессию обработчику звонков
func (m *Manager) admit(s *Session, media jingle.MediaSet) {
	if m.incoming == nil {
		m.logger.Warn(context.Background(), "no incoming handler, declining", logger.String("sid", s.sid))
		s.Decline()
		return
	}

	err := m.incoming.IncomingSession(s, media)
	if err == nil {
		return
	}

	m.logger.LogError(context.Background(), err, "incoming call rejected", logger.String("sid", s.sid))
	if errors.Is(err, jingle.ErrConflict) {
		s.Terminate(jingle.NewReason(jingle.ReasonBusy))
		return
	}
	s.Decline()
}

func (m *Manager) HandlePropose(ev jingle.Event, a *jingle.Propose) error {
	if s := m.registry.find(ev.Account, ev.From, a.ID); s != nil {
		m.logger.Debug(context.Background(), "duplicate propose ignored", logger.String("sid", a.ID))
		return nil
	}
	media := a.Media()
	if media.Empty() {
		return jingle.ErrMalformedPayload(nil).WithField("sid", a.ID)
	}

	s := m.Open(ev.Account, ev.From, a.ID, jingle.RoleResponder, InitiationMessage)
	if err := s.fire(eventInitiate); err != nil {
		return err
	}
	m.admit(s, media)
	return nil
}

func (m *Manager) HandleRetract(ev jingle.Event, a *jingle.Retract) error {
	s, err := m.findLive(ev.Account, ev.From, a.ID)
	if s == nil {
		return err
	}
	s.TerminatedBy(jingle.NewReason(jingle.ReasonCancel))
	return nil
}

// HandleReject ресурс пира отклонил propose, звонок отзывается у остальных
func (m *Manager) HandleReject(ev jingle.Event, a *jingle.Reject) error {
	s, err := m.findLive(ev.Account, ev.From, a.ID)
	if s == nil {
		return err
	}
	s.Rejected()
	return nil
}

// findLive как find, но для уже завершенного sid возвращает nil без ошибки.
// Повторные retract и reject приходят каждому ресурсу bare адреса.
func (m *Manager) findLive(account, peer jid.JID, sid string) (*Session, error) {
	s, err := m.find(account, peer, sid)
	if err != nil && m.registry.ended(account, sid) {
		return nil, nil
	}
	return s, err
}

// HandleAccept другой ресурс своего аккаунта принял звонок
func (m *Manager) HandleAccept(ev jingle.Event, a *jingle.Accept) error {
	if ev.From.Equal(ev.Account) {
		return nil
	}

	sessions := m.registry.bySID(ev.Account, a.ID)
	if len(sessions) == 0 {
		return jingle.ErrSessionNotFound(ev.Account.String(), ev.From.String(), a.ID)
	}
	for _, s := range sessions {
		if s.Proceeded() {
			continue
		}
		s.TerminatedBy(&jingle.Reason{Condition: jingle.ReasonCancel, Text: "answered on another device"})
	}
	return nil
}

func (m *Manager) HandleProceed(ev jingle.Event, a *jingle.Proceed) error {
	s, err := m.find(ev.Account, ev.From, a.ID)
	if err != nil {
		return err
	}
	return s.Proceed(ev.From)
}

func (m *Manager) HandleSessionInitiate(ev jingle.Event, a *jingle.SessionInitiate) error {
	if len(a.Contents) == 0 {
		return jingle.ErrMalformedPayload(nil).WithField("sid", a.SID)
	}

	if s := m.registry.find(ev.Account, ev.From, a.SID); s != nil {
		return s.Initiated(a.Contents, a.Bundle())
	}

	s := m.Open(ev.Account, ev.From, a.SID, jingle.RoleResponder, InitiationIQ)
	if err := s.Initiated(a.Contents, a.Bundle()); err != nil {
		s.TerminatedBy(jingle.NewReason(jingle.ReasonGeneralError))
		return err
	}
	m.admit(s, jingle.MediaOf(a.Contents))
	return nil
}

func (m *Manager) HandleSessionAccept(ev jingle.Event, a *jingle.SessionAccept) error {
	s, err := m.find(ev.Account, ev.From, a.SID)
	if err != nil {
		return err
	}
	return s.Accepted(a.Contents, a.Bundle())
}

// HandleSessionTerminate завершает все сессии аккаунта с этим sid
func (m *Manager) HandleSessionTerminate(ev jingle.Event, a *jingle.SessionTerminate) error {
	sessions := m.registry.bySID(ev.Account, a.SID)
	if len(sessions) == 0 {
		return jingle.ErrSessionNotFound(ev.Account.String(), ev.From.String(), a.SID)
	}
	reason := a.Reason
	if reason == nil {
		reason = jingle.NewReason(jingle.ReasonSuccess)
	}
	for _, s := range sessions {
		s.TerminatedBy(reason)
	}
	return nil
}

func (m *Manager) HandleTransportInfo(ev jingle.Event, a *jingle.TransportInfo) error {
	s := m.registry.find(ev.Account, ev.From, a.SID)
	if s == nil {
		if m.registry.ended(ev.Account, a.SID) {
			n := 0
			for _, c := range a.Contents {
				if c.Transport != nil {
					n += len(c.Transport.Candidates)
				}
			}
			m.metrics.Candidates(metrics.CandidateDropped, n)
			return nil
		}
		return jingle.ErrSessionNotFound(ev.Account.String(), ev.From.String(), a.SID)
	}

	for _, c := range a.Contents {
		if c.Transport == nil {
			continue
		}
		for _, cand := range c.Transport.Candidates {
			s.AddCandidate(c.Name, cand.SDPLine())
		}
	}
	return nil
}
