package call

import (
	"context"
	"errors"
	"time"

	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v4"
	"mellium.im/xmpp/jid"

	"github.com/arzzra/xmpp_call/pkg/jingle"
	"github.com/arzzra/xmpp_call/pkg/jingle_sdp"
	"github.com/arzzra/xmpp_call/pkg/logger"
	"github.com/arzzra/xmpp_call/pkg/session"
)

// События машины состояний звонка
const (
	eventRing        = "ring"
	eventConnect     = "connect"
	eventEstablished = "established"
	eventEnd         = "end"
)

var _ session.Listener = (*Call)(nil)

// Call одна логическая беседа с пиром
type Call struct {
	id        string
	account   jid.JID
	peer      jid.JID // bare адрес
	direction Direction
	media     jingle.MediaSet
	startedAt time.Time

	stateMachine *fsm.FSM

	// current сессия, выбранная для звонка
	current *session.Session
	// establishing исходящие сессии, ожидающие session-accept
	establishing []*session.Session

	conn      Connection
	answering bool
	// capture захват устройств, запущенный этим звонком
	capture Capture

	// outbound локальные кандидаты до выбора сессии и паузы после описания
	outbound     []*webrtc.ICECandidate
	sendReady    bool
	releaseTimer *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	ended  bool

	manager *Manager
	logger  logger.StructuredLogger
}

func newCall(m *Manager, id string, account, peer jid.JID, direction Direction, media jingle.MediaSet) *Call {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Call{
		id:        id,
		account:   account,
		peer:      peer.Bare(),
		direction: direction,
		media:     media,
		startedAt: m.now(),
		ctx:       ctx,
		cancel:    cancel,
		manager:   m,
	}
	c.logger = m.logger.WithComponent("call").WithFields(
		logger.String("call_id", id),
		logger.String("account", account.String()),
		logger.String("peer", c.peer.String()),
		logger.String("direction", string(direction)),
	)
	c.initStateMachine()
	return c
}

func (c *Call) initStateMachine() {
	c.stateMachine = fsm.NewFSM(
		string(StateNew),
		fsm.Events{
			{Name: eventRing, Src: []string{string(StateNew)}, Dst: string(StateRinging)},
			{Name: eventConnect, Src: []string{string(StateNew), string(StateRinging)}, Dst: string(StateConnecting)},
			{Name: eventEstablished, Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
			{Name: eventEnd, Src: []string{string(StateNew), string(StateRinging), string(StateConnecting), string(StateConnected)}, Dst: string(StateEnded)},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				c.logger.Info(ctx, "call state changed",
					logger.String("from", e.Src), logger.String("to", e.Dst))
				c.manager.observer.CallStateChanged(c, State(e.Dst))
			},
		},
	)
}

func (c *Call) fire(event string) error {
	from := c.stateMachine.Current()
	if err := c.stateMachine.Event(context.Background(), event); err != nil {
		return jingle.ErrInvalidTransition(from, event).WithCause(err).WithField("call_id", c.id)
	}
	return nil
}

func (c *Call) ID() string                { return c.id }
func (c *Call) Account() jid.JID          { return c.account }
func (c *Call) Peer() jid.JID             { return c.peer }
func (c *Call) Direction() Direction      { return c.direction }
func (c *Call) Media() jingle.MediaSet    { return c.media }
func (c *Call) State() State              { return State(c.stateMachine.Current()) }
func (c *Call) Current() *session.Session { return c.current }
func (c *Call) Establishing() int         { return len(c.establishing) }
func (c *Call) Ended() bool               { return c.ended }

// accept локальный пользователь принял входящий звонок
func (c *Call) accept() error {
	if c.direction != DirectionIncoming {
		return jingle.ErrInvalidTransition(string(c.State()), "accept").WithField("call_id", c.id)
	}
	if err := c.fire(eventConnect); err != nil {
		return err
	}
	if err := c.startMedia(); err != nil {
		c.reset(jingle.NewReason(jingle.ReasonMediaError), err)
		return err
	}

	s := c.current
	if s.Initiation() == session.InitiationMessage && !s.Proceeded() {
		// Предложение придет session-initiate после proceed
		return s.SendProceed()
	}
	if s.Remote() != nil {
		c.answer()
	}
	return nil
}

func (c *Call) startMedia() error {
	capture, err := c.manager.media.Start(c.media)
	if err != nil {
		return err
	}
	c.capture = capture
	return nil
}

// answer отвечает на удаленное предложение текущей сессии
func (c *Call) answer() {
	if c.answering {
		return
	}
	c.answering = true

	s := c.current
	offer, err := jingle_sdp.Serialize(s.Remote(), jingle.RoleInitiator)
	if err != nil {
		c.fail("serialize offer", err)
		return
	}
	conn, err := c.connect()
	if err != nil {
		c.fail("create connection", err)
		return
	}

	var answer webrtc.SessionDescription
	c.run("create answer", func(ctx context.Context) error {
		remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}
		if err := conn.SetRemoteDescription(ctx, remote); err != nil {
			return err
		}
		var err error
		answer, err = conn.CreateAnswer(ctx)
		return err
	}, func() {
		local, err := c.parseLocal(answer.SDP, jingle.RoleResponder)
		if err != nil {
			c.fail("parse answer", err)
			return
		}
		if err := s.SendAccept(local); err != nil {
			c.fail("send accept", err)
			return
		}
		s.AttachSink(conn)
		c.scheduleRelease()
	})
}

// offer создает локальное предложение и отправляет его всем сессиям
func (c *Call) offer(targets []jid.JID) {
	conn, err := c.connect()
	if err != nil {
		c.fail("create connection", err)
		return
	}

	var offer webrtc.SessionDescription
	c.run("create offer", func(ctx context.Context) error {
		var err error
		offer, err = conn.CreateOffer(ctx)
		return err
	}, func() {
		local, err := c.parseLocal(offer.SDP, jingle.RoleInitiator)
		if err != nil {
			c.fail("parse offer", err)
			return
		}

		if c.current != nil {
			// Звонок через propose: сессия уже привязана к ответившему ресурсу
			if err := c.current.SendInitiate(local); err != nil {
				c.fail("send initiate", err)
				return
			}
		} else {
			for _, to := range targets {
				s := c.manager.sessions.Open(c.account, to, c.id, jingle.RoleInitiator, session.InitiationIQ)
				s.SetListener(c)
				if err := s.SendInitiate(local); err != nil {
					c.logger.LogError(c.ctx, err, "session-initiate failed", logger.String("to", to.String()))
					s.Terminate(jingle.NewReason(jingle.ReasonGeneralError))
					continue
				}
				c.establishing = append(c.establishing, s)
			}
			if len(c.establishing) == 0 {
				c.reset(jingle.NewReason(jingle.ReasonGeneralError), jingle.ErrCallNotFound(c.id))
				return
			}
			c.manager.metrics.FanoutWidth(len(c.establishing))
		}
		c.scheduleRelease()
	})
}

// applyAnswer передает движку ответ выбранной сессии
func (c *Call) applyAnswer(s *session.Session) {
	answer, err := jingle_sdp.Serialize(s.Remote(), jingle.RoleResponder)
	if err != nil {
		c.fail("serialize answer", err)
		return
	}
	conn := c.conn
	c.run("apply answer", func(ctx context.Context) error {
		return conn.SetRemoteDescription(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer})
	}, func() {
		s.AttachSink(conn)
		c.releaseCandidates()
	})
}

func (c *Call) connect() (Connection, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := c.manager.engine.NewConnection(c.media, &connectionEvents{call: c})
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

func (c *Call) parseLocal(text string, role jingle.Role) (*jingle_sdp.Description, error) {
	desc, err := jingle_sdp.Parse(text, role)
	if err != nil {
		c.manager.metrics.SDPParseFailure()
		return nil, err
	}
	return desc, nil
}

// run выполняет шаг движка вне Loop. Продолжение выполняется в Loop
// и отбрасывается, если звонок к этому моменту завершен.
func (c *Call) run(step string, work func(ctx context.Context) error, then func()) {
	ctx := c.ctx
	loop := c.manager.loop
	go func() {
		err := work(ctx)
		loop.Post(func() {
			if c.ended {
				c.logger.Debug(context.Background(), "engine step dropped", logger.String("step", step))
				return
			}
			if err != nil {
				c.fail(step, err)
				return
			}
			then()
		})
	}()
}

func (c *Call) fail(step string, err error) {
	c.logger.LogError(c.ctx, err, "call step failed", logger.String("step", step))
	c.reset(jingle.NewReason(jingle.ReasonGeneralError), err)
}

// scheduleRelease разрешает отправку локальных кандидатов после паузы
func (c *Call) scheduleRelease() {
	if c.releaseTimer != nil {
		return
	}
	loop := c.manager.loop
	c.releaseTimer = time.AfterFunc(c.manager.config.CandidateSendDelay, func() {
		loop.Post(func() {
			if c.ended {
				return
			}
			c.sendReady = true
			c.releaseCandidates()
		})
	})
}

// releaseCandidates отправляет накопленные кандидаты текущей сессии
func (c *Call) releaseCandidates() {
	s := c.current
	if c.ended || !c.sendReady || s == nil || s.Terminated() || s.AwaitingProceed() {
		return
	}
	pending := c.outbound
	c.outbound = nil
	for _, cand := range pending {
		if err := s.SendCandidate(cand); err != nil {
			c.logger.LogError(c.ctx, err, "candidate send failed")
		}
	}
}

func (c *Call) localCandidate(cand *webrtc.ICECandidate) {
	if c.ended || cand == nil {
		return
	}
	c.outbound = append(c.outbound, cand)
	c.releaseCandidates()
}

func (c *Call) connectionState(state webrtc.PeerConnectionState) {
	if c.ended {
		return
	}
	c.logger.Debug(c.ctx, "connection state", logger.String("state", state.String()))

	switch state {
	case webrtc.PeerConnectionStateConnected:
		if c.State() == StateConnecting {
			if err := c.fire(eventEstablished); err != nil {
				c.logger.LogError(c.ctx, err, "connected transition failed")
			}
		}
	case webrtc.PeerConnectionStateFailed:
		c.reset(jingle.NewReason(jingle.ReasonConnectivityError),
			jingle.ErrSessionFailed(c.id, jingle.ReasonConnectivityError))
	}
}

// promote делает сессию текущей и завершает остальные устанавливаемые
func (c *Call) promote(winner *session.Session) {
	losers := c.establishing
	c.establishing = nil
	c.current = winner

	for _, s := range losers {
		if s == winner {
			continue
		}
		s.Terminate(jingle.NewReason(jingle.ReasonCancel))
	}
	c.logger.Info(c.ctx, "fan-out resolved",
		logger.String("resource", winner.Peer().String()),
		logger.Int("terminated", len(losers)-1))
}

func (c *Call) isEstablishing(s *session.Session) bool {
	for _, e := range c.establishing {
		if e == s {
			return true
		}
	}
	return false
}

func (c *Call) dropEstablishing(s *session.Session) {
	for i, e := range c.establishing {
		if e == s {
			c.establishing = append(c.establishing[:i], c.establishing[i+1:]...)
			return
		}
	}
}

// SessionInitiated предложение для входящего звонка. Для propose оно приходит
// после proceed, поэтому ответ создается здесь.
func (c *Call) SessionInitiated(s *session.Session) {
	if c.ended || s != c.current || c.direction != DirectionIncoming {
		return
	}
	if c.State() == StateConnecting {
		c.answer()
	}
}

func (c *Call) SessionProceeded(s *session.Session) {
	if c.ended || s != c.current || c.direction != DirectionOutgoing {
		return
	}
	c.offer(nil)
}

func (c *Call) SessionAccepted(s *session.Session) {
	if c.ended || c.direction != DirectionOutgoing {
		return
	}
	if c.isEstablishing(s) {
		c.promote(s)
	}
	if s != c.current {
		return
	}
	c.applyAnswer(s)
}

func (c *Call) SessionTerminated(s *session.Session, reason *jingle.Reason, err error) {
	if c.ended {
		return
	}
	if c.isEstablishing(s) {
		c.dropEstablishing(s)
		if len(c.establishing) > 0 {
			return
		}
		// Все ресурсы отказали
		c.reset(reason, err)
		return
	}
	if s == c.current {
		c.reset(reason, err)
	}
}

// reset завершает звонок. Повторный вызов ничего не делает.
func (c *Call) reset(reason *jingle.Reason, cause error) {
	if c.ended {
		return
	}
	c.ended = true
	c.cancel()
	if reason == nil {
		reason = jingle.NewReason(jingle.ReasonSuccess)
	}

	if c.releaseTimer != nil {
		c.releaseTimer.Stop()
	}
	c.outbound = nil
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.LogError(context.Background(), err, "connection close failed")
		}
	}
	if c.capture != nil {
		c.capture.Stop()
		c.capture = nil
	}

	establishing := c.establishing
	c.establishing = nil
	for _, s := range establishing {
		s.Terminate(jingle.NewReason(jingle.ReasonCancel))
	}
	if c.current != nil {
		c.current.Terminate(reason)
	}

	if err := c.fire(eventEnd); err != nil {
		c.logger.LogError(context.Background(), err, "end transition failed")
	}

	outcome := jingle.ConditionOf(reason).Outcome()
	if cause != nil && !errors.Is(cause, jingle.ErrDeclined) {
		outcome = jingle.OutcomeFailed
	}
	c.manager.forget(c)
	c.manager.metrics.CallEnded(outcome.String(), c.manager.now().Sub(c.startedAt))
	c.manager.observer.CallEnded(c, outcome, cause)
}

// connectionEvents возвращает колбэки движка в Loop
type connectionEvents struct {
	call *Call
}

func (e *connectionEvents) OnCandidate(candidate *webrtc.ICECandidate) {
	c := e.call
	c.manager.loop.Post(func() { c.localCandidate(candidate) })
}

func (e *connectionEvents) OnConnectionState(state webrtc.PeerConnectionState) {
	c := e.call
	c.manager.loop.Post(func() { c.connectionState(state) })
}

func (e *connectionEvents) OnTrack(kind jingle.MediaKind, trackID string) {
	c := e.call
	c.manager.loop.Post(func() {
		if c.ended {
			return
		}
		c.manager.observer.CallTrack(c, kind, trackID)
	})
}
