package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"mellium.im/xmpp/jid"

	"github.com/arzzra/xmpp_call/pkg/jingle"
	"github.com/arzzra/xmpp_call/pkg/jingle_sdp"
	"github.com/arzzra/xmpp_call/pkg/logger"
	"github.com/arzzra/xmpp_call/pkg/serial"
)

var (
	romeo       = jid.MustParse("romeo@montague.example/orchard")
	juliet      = jid.MustParse("juliet@capulet.example/balcony")
	julietPhone = jid.MustParse("juliet@capulet.example/phone")
	julietBare  = jid.MustParse("juliet@capulet.example")
)

func testContents(names ...string) []jingle.Content {
	var contents []jingle.Content
	for _, name := range names {
		contents = append(contents, jingle.Content{
			Name:        name,
			Creator:     jingle.RoleInitiator,
			Description: &jingle.RTPDescription{Media: name},
			Transport:   &jingle.ICETransport{Ufrag: "u", Pwd: "p"},
		})
	}
	return contents
}

func candidateLine(port uint16) string {
	return jingle.Candidate{
		Foundation: "1", Component: 1, Protocol: "udp", Priority: 2130706431,
		IP: "10.0.0.1", Port: port, Type: jingle.CandidateHost,
	}.SDPLine()
}

type SessionSuite struct {
	suite.Suite

	loop     *serial.Loop
	sender   *fakeSender
	incoming *fakeIncoming
	manager  *Manager
}

func TestSessionSuite(t *testing.T) {
	suite.Run(t, new(SessionSuite))
}

func (s *SessionSuite) SetupTest() {
	s.loop = serial.New()
	s.sender = &fakeSender{}
	s.incoming = &fakeIncoming{}

	m, err := NewManager(s.loop, s.sender,
		WithLogger(logger.NoOpLogger{}),
		WithConfig(Config{IQTimeout: time.Second, TombstoneTTL: time.Minute}),
	)
	s.Require().NoError(err)
	m.SetIncomingHandler(s.incoming)
	s.manager = m
}

func (s *SessionSuite) TearDownTest() {
	s.loop.Close()
}

// on выполняет fn в Loop менеджера
func (s *SessionSuite) on(fn func()) {
	s.Require().NoError(s.loop.Do(context.Background(), func() error {
		fn()
		return nil
	}))
}

func (s *SessionSuite) dispatch(from jid.JID, action jingle.Action) error {
	return s.manager.Dispatch(context.Background(), jingle.Event{Account: romeo, From: from, Action: action})
}

func (s *SessionSuite) TestCandidatesBufferedUntilDescriptionAndSink() {
	sink := &fakeSink{}

	s.on(func() {
		sess := s.manager.Open(romeo, juliet, "sid1", jingle.RoleResponder, InitiationIQ)
		sess.AddCandidate("video", candidateLine(1001))
		sess.AddCandidate("audio", candidateLine(1002))
		s.Equal(2, sess.Pending())

		s.Require().NoError(sess.Initiated(testContents("audio", "video"), []string{"audio", "video"}))
		s.Equal(2, sess.Pending(), "engine is not attached yet")

		sess.AttachSink(sink)
		s.Equal(0, sess.Pending())

		sess.AddCandidate("audio", candidateLine(1003))
	})

	s.Require().Len(sink.candidates, 3)
	s.Equal(candidateLine(1001), sink.candidates[0].Candidate)
	s.Equal(uint16(1), *sink.candidates[0].SDPMLineIndex)
	s.Equal("video", *sink.candidates[0].SDPMid)
	s.Equal(candidateLine(1002), sink.candidates[1].Candidate)
	s.Equal(uint16(0), *sink.candidates[1].SDPMLineIndex)
	s.Equal(candidateLine(1003), sink.candidates[2].Candidate)
}

func (s *SessionSuite) TestCandidatesFlushedWhenDescriptionArrives() {
	sink := &fakeSink{}

	s.on(func() {
		sess := s.manager.Open(romeo, juliet, "sid1", jingle.RoleResponder, InitiationIQ)
		sess.AttachSink(sink)
		sess.AddCandidate("audio", candidateLine(1))
		sess.AddCandidate("audio", candidateLine(2))
		s.Empty(sink.candidates)

		contents := testContents("audio")
		contents[0].Name = "0"
		s.Require().NoError(sess.Initiated(contents, nil))
	})

	s.Require().Len(sink.candidates, 2)
	s.Equal(candidateLine(1), sink.candidates[0].Candidate)
	s.Equal(candidateLine(2), sink.candidates[1].Candidate)
	s.Equal("0", *sink.candidates[0].SDPMid, "content resolved by media kind")
}

func (s *SessionSuite) TestTerminatedDirectlyFromCreated() {
	listener := &recordingListener{}

	s.on(func() {
		sess := s.manager.Open(romeo, juliet, "sid1", jingle.RoleInitiator, InitiationIQ)
		sess.SetListener(listener)
		s.Equal(StateCreated, sess.State())

		sess.TerminatedBy(jingle.NewReason(jingle.ReasonCancel))
		s.Equal(StateTerminated, sess.State())

		sess.TerminatedBy(jingle.NewReason(jingle.ReasonCancel))
		sess.Terminate(nil)
		s.Equal(StateTerminated, sess.State())

		s.Nil(s.manager.Lookup(romeo, juliet, "sid1"))
	})

	s.Len(listener.terminated, 1)
	s.Empty(s.sender.IQs())
}

func (s *SessionSuite) TestCandidateForTerminatedSessionDropped() {
	sink := &fakeSink{}

	s.on(func() {
		sess := s.manager.Open(romeo, juliet, "sid1", jingle.RoleResponder, InitiationIQ)
		s.Require().NoError(sess.Initiated(testContents("audio"), nil))
		sess.AttachSink(sink)
		sess.TerminatedBy(nil)
		sess.AddCandidate("audio", candidateLine(1))
	})

	s.Empty(sink.candidates)

	info := &jingle.TransportInfo{Jingle: jingle.NewTransportInfo("sid1", jingle.Content{
		Name:      "audio",
		Transport: &jingle.ICETransport{Candidates: []jingle.Candidate{{Foundation: "1", Component: 1, Protocol: "udp", IP: "10.0.0.1", Port: 1, Type: "host"}}},
	})}
	s.NoError(s.dispatch(juliet, info), "late candidate for ended session is silently dropped")

	unknown := &jingle.TransportInfo{Jingle: jingle.NewTransportInfo("never", jingle.Content{Name: "audio"})}
	s.ErrorIs(s.dispatch(juliet, unknown), jingle.ErrNotFound)
}

func (s *SessionSuite) TestLookupMatchesResourcesAndAnySID() {
	s.on(func() {
		a := s.manager.Open(romeo, juliet, "sid1", jingle.RoleInitiator, InitiationIQ)
		b := s.manager.Open(romeo, julietPhone, "sid1", jingle.RoleInitiator, InitiationIQ)
		bare := s.manager.Open(romeo, julietBare, "sid2", jingle.RoleInitiator, InitiationMessage)

		s.Same(a, s.manager.Lookup(romeo, juliet, "sid1"))
		s.Same(b, s.manager.Lookup(romeo, julietPhone, "sid1"))
		s.NotNil(s.manager.Lookup(romeo, julietBare, "sid1"))
		s.NotNil(s.manager.Lookup(romeo, juliet, ""))
		s.Same(bare, s.manager.Lookup(romeo, juliet, "sid2"), "stored bare peer matches any resource")
		s.Nil(s.manager.Lookup(romeo, juliet, "sid3"))
		s.Nil(s.manager.Lookup(julietBare, romeo, "sid1"))

		s.Same(a, s.manager.Close(romeo, juliet, "sid1"))
		s.Nil(s.manager.Close(romeo, juliet, "sid1"))
		s.Equal(2, s.manager.Count())
	})
}

func (s *SessionSuite) TestSessionAcceptForUnknownSession() {
	accept := &jingle.SessionAccept{Jingle: jingle.NewSessionAccept("nope", juliet.String(), testContents("audio"), nil)}
	err := s.dispatch(juliet, accept)
	s.ErrorIs(err, jingle.ErrNotFound)
}

func (s *SessionSuite) TestSessionTerminateIsSIDWide() {
	var first, second *Session
	s.on(func() {
		first = s.manager.Open(romeo, juliet, "fan", jingle.RoleInitiator, InitiationIQ)
		second = s.manager.Open(romeo, julietPhone, "fan", jingle.RoleInitiator, InitiationIQ)
	})

	terminate := &jingle.SessionTerminate{Jingle: jingle.NewSessionTerminate("fan", jingle.NewReason(jingle.ReasonDecline))}
	s.Require().NoError(s.dispatch(juliet, terminate))

	s.on(func() {
		s.True(first.Terminated())
		s.True(second.Terminated())
		s.Equal(jingle.ReasonDecline, second.Reason().Condition)
		s.Equal(0, s.manager.Count())
	})
}

func (s *SessionSuite) TestInboundInitiateAdmitsCall() {
	initiate := &jingle.SessionInitiate{Jingle: jingle.NewSessionInitiate("in1", juliet.String(), testContents("audio", "video"), []string{"audio", "video"})}
	s.Require().NoError(s.dispatch(juliet, initiate))

	s.Require().Len(s.incoming.calls, 1)
	call := s.incoming.calls[0]
	s.Equal(jingle.NewMediaSet(jingle.MediaAudio, jingle.MediaVideo), call.media)
	s.on(func() {
		s.Equal(StateInitiating, call.session.State())
		s.Equal(jingle.RoleResponder, call.session.Role())
		s.Equal([]string{"audio", "video"}, call.session.Remote().Bundle)
	})
}

func (s *SessionSuite) TestInboundInitiateConflictDeclinesBusy() {
	s.incoming.err = jingle.ErrCallConflict(romeo.String(), julietBare.String())

	initiate := &jingle.SessionInitiate{Jingle: jingle.NewSessionInitiate("in2", juliet.String(), testContents("audio"), nil)}
	s.Require().NoError(s.dispatch(juliet, initiate))

	s.Eventually(func() bool { return len(s.sender.IQs()) == 1 }, time.Second, 5*time.Millisecond)
	sent := s.sender.IQs()[0]
	s.Equal(jingle.ActionSessionTerminate, sent.jingle.Action)
	s.Equal(jingle.ReasonBusy, sent.jingle.Reason.Condition)
	s.True(sent.to.Equal(juliet))
}

func (s *SessionSuite) TestProposeDeclinedWithReject() {
	s.incoming.err = errors.New("no user")

	propose := jingle.NewPropose("jmi1", jingle.NewMediaSet(jingle.MediaAudio))
	s.Require().NoError(s.dispatch(juliet, propose))

	s.Eventually(func() bool { return len(s.sender.Messages()) == 1 }, time.Second, 5*time.Millisecond)
	_, ok := s.sender.Messages()[0].payload.(*jingle.Reject)
	s.True(ok)
	s.Empty(s.sender.IQs())
}

func (s *SessionSuite) TestOutgoingProposeReboundOnProceed() {
	listener := &recordingListener{}
	var sess *Session

	s.on(func() {
		sess = s.manager.Open(romeo, julietBare, "jmi2", jingle.RoleInitiator, InitiationMessage)
		sess.SetListener(listener)
		s.Require().NoError(sess.SendPropose(jingle.NewMediaSet(jingle.MediaAudio)))
		s.True(sess.AwaitingProceed())
		s.Error(sess.SendInitiate(&jingle_sdp.Description{Contents: testContents("audio")}))
	})

	s.Require().NoError(s.dispatch(julietPhone, &jingle.Proceed{ID: "jmi2"}))

	s.on(func() {
		s.Equal(1, listener.proceeded)
		s.True(sess.Peer().Equal(julietPhone))
		s.Same(sess, s.manager.Lookup(romeo, julietPhone, "jmi2"))
		s.Nil(s.manager.Lookup(romeo, juliet, "jmi2"))
		s.Require().NoError(sess.SendInitiate(&jingle_sdp.Description{Contents: testContents("audio")}))
	})

	s.Eventually(func() bool { return len(s.sender.IQs()) == 1 }, time.Second, 5*time.Millisecond)
	s.True(s.sender.IQs()[0].to.Equal(julietPhone))
}

func (s *SessionSuite) TestRejectedProposeRetractedFromAllResources() {
	listener := &recordingListener{}

	s.on(func() {
		sess := s.manager.Open(romeo, julietBare, "jmi3", jingle.RoleInitiator, InitiationMessage)
		sess.SetListener(listener)
		s.Require().NoError(sess.SendPropose(jingle.NewMediaSet(jingle.MediaAudio)))
	})

	s.Require().NoError(s.dispatch(julietPhone, &jingle.Reject{ID: "jmi3"}))

	s.on(func() {
		s.Require().Len(listener.terminated, 1)
		s.Equal(jingle.ReasonDecline, listener.terminated[0].reason.Condition)
		s.Zero(s.manager.Count())
	})

	var retract *sentMessage
	s.Eventually(func() bool {
		for _, m := range s.sender.Messages() {
			if r, ok := m.payload.(*jingle.Retract); ok && r.ID == "jmi3" {
				retract = &m
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	s.True(retract.to.Equal(julietBare))

	// Повторный reject от другого ресурса и собственный retract уже не ошибка
	s.NoError(s.dispatch(juliet, &jingle.Reject{ID: "jmi3"}))
	s.NoError(s.dispatch(juliet, &jingle.Retract{ID: "jmi3"}))
	s.ErrorIs(s.dispatch(juliet, &jingle.Retract{ID: "unknown"}), jingle.ErrNotFound)
}

func (s *SessionSuite) TestInitiateTimeoutTerminatesSession() {
	s.sender.iqErr = func(j *jingle.Jingle) error {
		if j.Action == jingle.ActionSessionInitiate {
			return context.DeadlineExceeded
		}
		return nil
	}
	listener := &recordingListener{}
	var sess *Session

	s.on(func() {
		sess = s.manager.Open(romeo, juliet, "out1", jingle.RoleInitiator, InitiationIQ)
		sess.SetListener(listener)
		s.Require().NoError(sess.SendInitiate(&jingle_sdp.Description{Contents: testContents("audio")}))
	})

	s.Eventually(func() bool {
		done := false
		s.on(func() { done = sess.Terminated() })
		return done
	}, time.Second, 5*time.Millisecond)

	s.on(func() {
		s.Require().Len(listener.terminated, 1)
		s.Equal(jingle.ReasonTimeout, listener.terminated[0].reason.Condition)
		s.ErrorIs(listener.terminated[0].err, jingle.ErrTimeout)
	})
}

func (s *SessionSuite) TestResponderAcceptAndOutboundCandidate() {
	var sess *Session
	s.on(func() {
		sess = s.manager.Open(romeo, juliet, "in3", jingle.RoleResponder, InitiationIQ)
		s.Require().NoError(sess.Initiated(testContents("audio"), nil))
		s.Require().NoError(sess.SendAccept(&jingle_sdp.Description{Contents: testContents("audio")}))
		s.Equal(StateAccepted, sess.State())

		s.Require().NoError(sess.SendCandidate(&webrtc.ICECandidate{
			Foundation: "4", Priority: 100, Address: "192.0.2.1", Protocol: webrtc.ICEProtocolUDP,
			Port: 5000, Typ: webrtc.ICECandidateTypeSrflx, Component: 1,
			RelatedAddress: "10.0.0.1", RelatedPort: 4000,
		}))
	})

	s.Eventually(func() bool { return len(s.sender.IQs()) == 2 }, time.Second, 5*time.Millisecond)
	s.ElementsMatch([]jingle.ActionName{jingle.ActionSessionAccept, jingle.ActionTransportInfo}, s.sender.Actions())
	for _, iq := range s.sender.IQs() {
		if iq.jingle.Action != jingle.ActionTransportInfo {
			continue
		}
		c := iq.jingle.Contents[0].Transport.Candidates[0]
		s.NotEmpty(c.ID)
		s.Equal("srflx", c.Type)
		s.Equal("192.0.2.1", c.IP)
		s.Equal(uint16(4000), c.RelPort)
	}
}

func (s *SessionSuite) TestPeerUnavailableTerminatesResourceSessions() {
	var full, other, bare *Session
	s.on(func() {
		full = s.manager.Open(romeo, juliet, "a", jingle.RoleInitiator, InitiationIQ)
		other = s.manager.Open(romeo, julietPhone, "b", jingle.RoleInitiator, InitiationIQ)
		bare = s.manager.Open(romeo, julietBare, "c", jingle.RoleInitiator, InitiationMessage)
	})

	s.manager.PeerUnavailable(romeo, juliet)

	s.on(func() {
		s.True(full.Terminated())
		s.Equal(jingle.ReasonGone, full.Reason().Condition)
		s.False(other.Terminated())
		s.False(bare.Terminated())
	})
}

func TestCandidateFromICE(t *testing.T) {
	c := CandidateFromICE(&webrtc.ICECandidate{
		Foundation: "842163049",
		Priority:   1677729535,
		Address:    "203.0.113.7",
		Protocol:   webrtc.ICEProtocolTCP,
		Port:       9,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
		TCPType:    "active",
	})

	assert.Equal(t, "tcp", c.Protocol)
	assert.Equal(t, "host", c.Type)
	assert.Equal(t, "active", c.TCPType)

	parsed, err := jingle.ParseCandidateLine(c.SDPLine())
	require.NoError(t, err)
	assert.Equal(t, c, parsed)
}
