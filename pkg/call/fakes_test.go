package call

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"mellium.im/xmpp/jid"

	"github.com/arzzra/xmpp_call/pkg/jingle"
)

func sdpLines(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

var offerSDP = sdpLines(
	"v=0",
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1",
	"s=-",
	"t=0 0",
	"a=group:BUNDLE 0",
	"m=audio 9 UDP/TLS/RTP/SAVPF 111",
	"c=IN IP4 0.0.0.0",
	"a=mid:0",
	"a=ice-ufrag:offr",
	"a=ice-pwd:offerpasswordofferpassword",
	"a=fingerprint:sha-256 02:1A:CC:54:27:AB:EB:9C:53:3F:3E:4B:65:2E:7D:46:3F:54:42:CD:54:F1:7A:03:A2:7D:F9:B0:7F:46:19:B2",
	"a=setup:actpass",
	"a=sendrecv",
	"a=rtcp-mux",
	"a=rtpmap:111 opus/48000/2",
)

var answerSDP = sdpLines(
	"v=0",
	"o=- 7296381542117431921 2 IN IP4 127.0.0.1",
	"s=-",
	"t=0 0",
	"a=group:BUNDLE 0",
	"m=audio 9 UDP/TLS/RTP/SAVPF 111",
	"c=IN IP4 0.0.0.0",
	"a=mid:0",
	"a=ice-ufrag:answ",
	"a=ice-pwd:answerpasswordanswerpassword",
	"a=fingerprint:sha-256 6B:8B:F0:65:5F:78:E2:51:3B:AC:6F:F3:3F:46:1B:35:DC:B8:5F:64:1A:24:C2:43:F0:A1:58:D0:A1:2C:19:08",
	"a=setup:active",
	"a=sendrecv",
	"a=rtcp-mux",
	"a=rtpmap:111 opus/48000/2",
)

type sentIQ struct {
	to     jid.JID
	jingle *jingle.Jingle
}

type sentMessage struct {
	to      jid.JID
	payload jingle.MessagePayload
}

// fakeSender записывает исходящие станзы, IQ всегда успешны
type fakeSender struct {
	mu       sync.Mutex
	iqs      []sentIQ
	messages []sentMessage
}

func (f *fakeSender) SendIQ(ctx context.Context, from, to jid.JID, j *jingle.Jingle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.iqs = append(f.iqs, sentIQ{to: to, jingle: j})
	return nil
}

func (f *fakeSender) SendMessage(ctx context.Context, from, to jid.JID, payload jingle.MessagePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sentMessage{to: to, payload: payload})
	return nil
}

func (f *fakeSender) IQs(action jingle.ActionName) []sentIQ {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentIQ
	for _, iq := range f.iqs {
		if iq.jingle.Action == action {
			out = append(out, iq)
		}
	}
	return out
}

func (f *fakeSender) Messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.messages...)
}

// fakeConnection соединение движка с заранее заданными описаниями
type fakeConnection struct {
	mu         sync.Mutex
	events     ConnectionEvents
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closed     bool
}

func (f *fakeConnection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}, nil
}

func (f *fakeConnection) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}, nil
}

func (f *fakeConnection) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("connection closed")
	}
	f.remote = append(f.remote, desc)
	return nil
}

func (f *fakeConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConnection) Remote() []webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), f.remote...)
}

func (f *fakeConnection) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeEngine struct {
	mu    sync.Mutex
	conns []*fakeConnection
}

func (f *fakeEngine) NewConnection(media jingle.MediaSet, events ConnectionEvents) (Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn := &fakeConnection{events: events}
	f.conns = append(f.conns, conn)
	return conn, nil
}

func (f *fakeEngine) Last() *fakeConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

type fakePresence struct {
	resources []Resource
}

func (f *fakePresence) Resources(account, peer jid.JID) []Resource {
	return f.resources
}

// fakePermissions запрещает перечисленные виды медиа
type fakePermissions struct {
	denied jingle.MediaSet
}

func (f *fakePermissions) Authorize(ctx context.Context, kind jingle.MediaKind) error {
	if f.denied.Has(kind) {
		return errors.New("device access denied")
	}
	return nil
}

// fakeMedia считает запуски и остановки захвата, вызывается внутри Loop
type fakeMedia struct {
	started, stopped int
}

func (f *fakeMedia) Start(jingle.MediaSet) (Capture, error) {
	f.started++
	return &fakeCapture{media: f}, nil
}

func (f *fakeMedia) active() int { return f.started - f.stopped }

type fakeCapture struct {
	media   *fakeMedia
	stopped bool
}

func (f *fakeCapture) Stop() {
	if f.stopped {
		return
	}
	f.stopped = true
	f.media.stopped++
}

type endedEvent struct {
	call    *Call
	outcome jingle.Outcome
	err     error
}

// recordingObserver вызывается внутри Loop, читать через Do
type recordingObserver struct {
	states []State
	tracks []string
	ended  []endedEvent
}

func (o *recordingObserver) CallStateChanged(c *Call, state State) {
	o.states = append(o.states, state)
}

func (o *recordingObserver) CallTrack(c *Call, kind jingle.MediaKind, trackID string) {
	o.tracks = append(o.tracks, trackID)
}

func (o *recordingObserver) CallEnded(c *Call, outcome jingle.Outcome, err error) {
	o.ended = append(o.ended, endedEvent{call: c, outcome: outcome, err: err})
}
