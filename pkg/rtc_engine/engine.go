// Package rtc_engine адаптирует pion/webrtc PeerConnection к интерфейсам
// транспортного движка звонка.
package rtc_engine

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/arzzra/xmpp_call/pkg/call"
	"github.com/arzzra/xmpp_call/pkg/jingle"
	"github.com/arzzra/xmpp_call/pkg/logger"
)

var (
	_ call.Engine     = (*Engine)(nil)
	_ call.Connection = (*Connection)(nil)
)

// Config параметры движка
type Config struct {
	// ICEServers адреса STUN/TURN серверов
	ICEServers []string
	Logger     logger.StructuredLogger
}

// Engine фабрика соединений с общим webrtc.API
type Engine struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger logger.StructuredLogger
}

// NewEngine регистрирует кодеки по умолчанию и создает движок
func NewEngine(cfg Config) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	l := cfg.Logger
	if l == nil {
		l = logger.GetDefaultLogger()
	}

	return &Engine{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		config: webrtc.Configuration{
			ICEServers:    servers,
			BundlePolicy:  webrtc.BundlePolicyMaxBundle,
			RTCPMuxPolicy: webrtc.RTCPMuxPolicyRequire,
		},
		logger: l.WithComponent("rtc_engine"),
	}, nil
}

// NewConnection создает PeerConnection с трансиверами sendrecv для каждого вида медиа
func (e *Engine) NewConnection(media jingle.MediaSet, events call.ConnectionEvents) (call.Connection, error) {
	pc, err := e.api.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	for _, kind := range media.Kinds() {
		codec := webrtc.RTPCodecTypeAudio
		if kind == jingle.MediaVideo {
			codec = webrtc.RTPCodecTypeVideo
		}
		if _, err := pc.AddTransceiverFromKind(codec, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("failed to add %s transceiver: %w", kind, err)
		}
	}

	c := &Connection{pc: pc, logger: e.logger}
	c.wire(events)
	return c, nil
}

// Connection обертка над webrtc.PeerConnection
type Connection struct {
	pc     *webrtc.PeerConnection
	logger logger.StructuredLogger
}

func (c *Connection) wire(events call.ConnectionEvents) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		events.OnCandidate(cand)
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Debug(context.Background(), "peer connection state", logger.String("state", s.String()))
		events.OnConnectionState(s)
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info(context.Background(), "remote track",
			logger.String("kind", track.Kind().String()),
			logger.String("track_id", track.ID()))
		events.OnTrack(jingle.MediaKind(track.Kind().String()), track.ID())
	})
}

// CreateOffer создает предложение и устанавливает его локальным описанием
func (c *Connection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local offer: %w", err)
	}
	return offer, nil
}

// CreateAnswer создает ответ и устанавливает его локальным описанием
func (c *Connection) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local answer: %w", err)
	}
	return answer, nil
}

func (c *Connection) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote %s: %w", desc.Type, err)
	}
	return nil
}

func (c *Connection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *Connection) Close() error {
	return c.pc.Close()
}
