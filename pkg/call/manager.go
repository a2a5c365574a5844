package call

import (
	"context"
	"time"

	"github.com/google/uuid"
	"mellium.im/xmpp/jid"

	"github.com/arzzra/xmpp_call/pkg/jingle"
	"github.com/arzzra/xmpp_call/pkg/logger"
	"github.com/arzzra/xmpp_call/pkg/metrics"
	"github.com/arzzra/xmpp_call/pkg/serial"
	"github.com/arzzra/xmpp_call/pkg/session"
)

var _ session.IncomingHandler = (*Manager)(nil)

// callKey один звонок на пару (account, bare peer)
type callKey struct {
	account string
	peer    string
}

func keyOf(account, peer jid.JID) callKey {
	return callKey{account: account.String(), peer: peer.Bare().String()}
}

// Manager реестр звонков
type Manager struct {
	loop     *serial.Loop
	sessions *session.Manager
	engine   Engine
	presence Presence

	permissions Permissions
	media       LocalMedia
	observer    Observer

	calls map[callKey]*Call

	config  Config
	logger  logger.StructuredLogger
	metrics *metrics.MetricsCollector
	now     func() time.Time
}

// Option настройка менеджера звонков
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

func WithPermissions(p Permissions) Option {
	return func(m *Manager) { m.permissions = p }
}

func WithLocalMedia(lm LocalMedia) Option {
	return func(m *Manager) { m.media = lm }
}

func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// NewManager создает менеджер звонков и регистрирует его как
// обработчик входящих сессий
func NewManager(sessions *session.Manager, engine Engine, presence Presence, opts ...Option) *Manager {
	m := &Manager{
		loop:        sessions.Loop(),
		sessions:    sessions,
		engine:      engine,
		presence:    presence,
		permissions: allowAll{},
		media:       nopMedia{},
		observer:    nopObserver{},
		calls:       make(map[callKey]*Call),
		config:      DefaultConfig(),
		logger:      logger.GetDefaultLogger(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("call_manager")

	sessions.SetIncomingHandler(m)
	return m
}

// Initiate начинает исходящий звонок. Если все ресурсы пира поддерживают
// propose, отправляется один propose на bare адрес. Иначе session-initiate
// с одинаковым предложением уходит каждому ресурсу.
func (m *Manager) Initiate(ctx context.Context, account, peer jid.JID, media jingle.MediaSet) (*Call, error) {
	var c *Call
	err := m.loop.Do(ctx, func() error {
		var err error
		c, err = m.initiate(account, peer, media)
		return err
	})
	return c, err
}

func (m *Manager) initiate(account, peer jid.JID, media jingle.MediaSet) (*Call, error) {
	if media.Empty() {
		return nil, jingle.ErrMalformedPayload(nil).WithField("reason", "no media")
	}
	if _, exists := m.calls[keyOf(account, peer)]; exists {
		return nil, jingle.ErrCallConflict(account.String(), peer.Bare().String())
	}

	var targets []jid.JID
	allMessage := true
	for _, r := range m.presence.Resources(account, peer.Bare()) {
		if !r.Features.SupportsCalls(media) {
			continue
		}
		targets = append(targets, r.JID)
		if !r.Features.SupportsMessageInitiation() {
			allMessage = false
		}
	}
	if len(targets) == 0 {
		return nil, jingle.NewSignalingError("PEER_UNAVAILABLE", "no resource of peer can take calls",
			jingle.ErrorCategoryNotFound).WithField("peer", peer.Bare().String())
	}
	if err := m.authorize(media); err != nil {
		return nil, err
	}

	c := newCall(m, uuid.NewString(), account, peer, DirectionOutgoing, media)
	m.register(c)
	if err := c.fire(eventConnect); err != nil {
		c.reset(jingle.NewReason(jingle.ReasonGeneralError), err)
		return nil, err
	}
	if err := c.startMedia(); err != nil {
		c.reset(jingle.NewReason(jingle.ReasonMediaError), err)
		return nil, err
	}

	if allMessage {
		s := m.sessions.Open(account, peer.Bare(), c.id, jingle.RoleInitiator, session.InitiationMessage)
		s.SetListener(c)
		c.current = s
		if err := s.SendPropose(media); err != nil {
			c.reset(jingle.NewReason(jingle.ReasonGeneralError), err)
			return nil, err
		}
		c.logger.Info(context.Background(), "call proposed")
		return c, nil
	}

	c.logger.Info(context.Background(), "call fan-out", logger.Int("resources", len(targets)))
	c.offer(targets)
	return c, nil
}

// IncomingSession создает входящий звонок для новой сессии
func (m *Manager) IncomingSession(s *session.Session, media jingle.MediaSet) error {
	c := newCall(m, s.SID(), s.Account(), s.Peer(), DirectionIncoming, media)
	c.current = s
	if err := m.ReportIncomingCall(c); err != nil {
		c.cancel()
		return err
	}
	s.SetListener(c)
	return nil
}

// ReportIncomingCall регистрирует входящий звонок и переводит его в ringing.
// Отказ в доступе к устройствам сбрасывает звонок до показа пользователю.
func (m *Manager) ReportIncomingCall(c *Call) error {
	if existing, ok := m.calls[keyOf(c.account, c.peer)]; ok {
		c.logger.Warn(context.Background(), "incoming call conflicts with active call",
			logger.String("active_call", existing.id))
		return jingle.ErrCallConflict(c.account.String(), c.peer.String())
	}

	m.register(c)
	if err := c.fire(eventRing); err != nil {
		c.reset(jingle.NewReason(jingle.ReasonGeneralError), err)
		return err
	}
	if err := m.authorize(c.media); err != nil {
		c.reset(jingle.NewReason(jingle.ReasonDecline), err)
		return err
	}
	return nil
}

// authorize проверяет доступ ко всем видам медиа звонка
func (m *Manager) authorize(media jingle.MediaSet) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.PermissionTimeout)
	defer cancel()

	for _, kind := range media.Kinds() {
		if err := m.permissions.Authorize(ctx, kind); err != nil {
			m.logger.Warn(ctx, "media permission denied",
				logger.String("kind", string(kind)), logger.Err(err))
			return jingle.ErrMediaPermission(kind).WithCause(err)
		}
	}
	return nil
}

// Accept принимает входящий звонок
func (m *Manager) Accept(ctx context.Context, callID string) error {
	return m.withCall(ctx, callID, func(c *Call) error {
		return c.accept()
	})
}

// Reject отклоняет входящий звонок
func (m *Manager) Reject(ctx context.Context, callID string) error {
	return m.withCall(ctx, callID, func(c *Call) error {
		if c.direction != DirectionIncoming || c.State() != StateRinging {
			return jingle.ErrInvalidTransition(string(c.State()), "reject").WithField("call_id", c.id)
		}
		c.reset(jingle.NewReason(jingle.ReasonDecline), nil)
		return nil
	})
}

// Hangup завершает звонок в любом состоянии
func (m *Manager) Hangup(ctx context.Context, callID string) error {
	return m.withCall(ctx, callID, func(c *Call) error {
		reason := jingle.NewReason(jingle.ReasonSuccess)
		if c.State() != StateConnected && c.direction == DirectionOutgoing {
			reason = jingle.NewReason(jingle.ReasonCancel)
		}
		c.reset(reason, nil)
		return nil
	})
}

// Find возвращает активный звонок с пиром.
// Ошибка Loop (закрыт, истек ctx) возвращается как есть, а не как отсутствие звонка.
func (m *Manager) Find(ctx context.Context, account, peer jid.JID) (*Call, error) {
	var c *Call
	err := m.loop.Do(ctx, func() error {
		c = m.calls[keyOf(account, peer)]
		if c == nil {
			return jingle.ErrCallNotFound("").
				WithField("account", account.String()).WithField("peer", peer.Bare().String())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Count число активных звонков
func (m *Manager) Count(ctx context.Context) (int, error) {
	var n int
	err := m.loop.Do(ctx, func() error {
		n = len(m.calls)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (m *Manager) withCall(ctx context.Context, callID string, fn func(c *Call) error) error {
	return m.loop.Do(ctx, func() error {
		c := m.byID(callID)
		if c == nil {
			return jingle.ErrCallNotFound(callID)
		}
		return fn(c)
	})
}

func (m *Manager) byID(callID string) *Call {
	for _, c := range m.calls {
		if c.id == callID {
			return c
		}
	}
	return nil
}

func (m *Manager) register(c *Call) {
	m.calls[keyOf(c.account, c.peer)] = c
	m.metrics.CallStarted(string(c.direction))
}

// forget удаляет звонок из реестра, если он там именно этот
func (m *Manager) forget(c *Call) {
	key := keyOf(c.account, c.peer)
	if m.calls[key] == c {
		delete(m.calls, key)
	}
}
