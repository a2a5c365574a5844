package session

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"mellium.im/xmpp/jid"

	"github.com/arzzra/xmpp_call/pkg/jingle"
)

type sentIQ struct {
	from, to jid.JID
	jingle   *jingle.Jingle
}

type sentMessage struct {
	from, to jid.JID
	payload  jingle.MessagePayload
}

// fakeSender записывает исходящие станзы
type fakeSender struct {
	mu       sync.Mutex
	iqs      []sentIQ
	messages []sentMessage
	iqErr    func(j *jingle.Jingle) error
}

func (f *fakeSender) SendIQ(ctx context.Context, from, to jid.JID, j *jingle.Jingle) error {
	f.mu.Lock()
	f.iqs = append(f.iqs, sentIQ{from: from, to: to, jingle: j})
	hook := f.iqErr
	f.mu.Unlock()

	if hook != nil {
		return hook(j)
	}
	return nil
}

func (f *fakeSender) SendMessage(ctx context.Context, from, to jid.JID, payload jingle.MessagePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sentMessage{from: from, to: to, payload: payload})
	return nil
}

func (f *fakeSender) IQs() []sentIQ {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentIQ(nil), f.iqs...)
}

func (f *fakeSender) Messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.messages...)
}

func (f *fakeSender) Actions() []jingle.ActionName {
	var out []jingle.ActionName
	for _, iq := range f.IQs() {
		out = append(out, iq.jingle.Action)
	}
	return out
}

// fakeSink записывает кандидаты, переданные движку
type fakeSink struct {
	candidates []webrtc.ICECandidateInit
}

func (f *fakeSink) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.candidates = append(f.candidates, c)
	return nil
}

type terminatedEvent struct {
	reason *jingle.Reason
	err    error
}

// recordingListener записывает события сессии
type recordingListener struct {
	initiated  int
	proceeded  int
	accepted   int
	terminated []terminatedEvent
}

func (l *recordingListener) SessionInitiated(*Session) { l.initiated++ }
func (l *recordingListener) SessionProceeded(*Session) { l.proceeded++ }
func (l *recordingListener) SessionAccepted(*Session)  { l.accepted++ }
func (l *recordingListener) SessionTerminated(s *Session, reason *jingle.Reason, err error) {
	l.terminated = append(l.terminated, terminatedEvent{reason: reason, err: err})
}

type incomingCall struct {
	session *Session
	media   jingle.MediaSet
}

// fakeIncoming прием входящих с заданной ошибкой
type fakeIncoming struct {
	calls []incomingCall
	err   error
}

func (f *fakeIncoming) IncomingSession(s *Session, media jingle.MediaSet) error {
	f.calls = append(f.calls, incomingCall{session: s, media: media})
	return f.err
}
