// callcore запускает два аккаунта в одном процессе, соединенных через
// loopback маршрутизатор, и выполняет между ними звонок через pion/webrtc.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"mellium.im/xmpp/jid"

	"github.com/arzzra/xmpp_call/pkg/call"
	"github.com/arzzra/xmpp_call/pkg/config"
	"github.com/arzzra/xmpp_call/pkg/jingle"
	"github.com/arzzra/xmpp_call/pkg/logger"
	"github.com/arzzra/xmpp_call/pkg/loopback"
	"github.com/arzzra/xmpp_call/pkg/metrics"
	"github.com/arzzra/xmpp_call/pkg/rtc_engine"
	"github.com/arzzra/xmpp_call/pkg/serial"
	"github.com/arzzra/xmpp_call/pkg/session"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config")
		caller     = flag.String("caller", "alice@example.com/laptop", "Caller JID")
		callee     = flag.String("callee", "bob@example.com/desk", "Callee JID")
		video      = flag.Bool("video", false, "Request video in addition to audio")
		hold       = flag.Duration("hold", 5*time.Second, "How long to keep the call up")
	)
	flag.Parse()

	if err := run(*configPath, *caller, *callee, *video, *hold); err != nil {
		fmt.Fprintf(os.Stderr, "callcore: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, callerAddr, calleeAddr string, video bool, hold time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logger.New(logger.Options{Level: logger.ParseLevel(cfg.Log.Level), Console: cfg.Log.Console})
	logger.SetDefaultLogger(log)

	callerJID, err := jid.Parse(callerAddr)
	if err != nil {
		return fmt.Errorf("caller: %w", err)
	}
	calleeJID, err := jid.Parse(calleeAddr)
	if err != nil {
		return fmt.Errorf("callee: %w", err)
	}

	mc := metrics.NewMetricsCollector(&metrics.MetricsConfig{
		Enabled:   cfg.Metrics.Enabled,
		Namespace: cfg.Metrics.Namespace,
		Subsystem: "signaling",
	})

	engine, err := rtc_engine.NewEngine(rtc_engine.Config{ICEServers: cfg.RTC.ICEServers, Logger: log})
	if err != nil {
		return err
	}
	router := loopback.NewRouter(loopback.WithLogger(log))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connected := make(chan string, 1)
	ended := make(chan string, 2)

	callerCalls, closeCaller, err := startAccount(cfg, callerJID, engine, router, mc, log,
		&demoObserver{log: log, connected: connected, ended: ended})
	if err != nil {
		return err
	}
	defer closeCaller()

	calleeObserver := &demoObserver{log: log, ended: ended, autoAccept: true, ctx: ctx}
	calleeCalls, closeCallee, err := startAccount(cfg, calleeJID, engine, router, mc, log, calleeObserver)
	if err != nil {
		return err
	}
	defer closeCallee()
	calleeObserver.calls = calleeCalls

	g, gCtx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mc.Handler()}
		g.Go(func() error {
			log.Info(gCtx, "метрики доступны", logger.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer stop()

		media := jingle.NewMediaSet(jingle.MediaAudio)
		if video {
			media = media.With(jingle.MediaVideo)
		}

		c, err := callerCalls.Initiate(gCtx, callerJID, calleeJID.Bare(), media)
		if err != nil {
			return fmt.Errorf("initiate: %w", err)
		}
		log.Info(gCtx, "звонок начат", logger.String("call_id", c.ID()), logger.String("media", media.String()))

		select {
		case id := <-connected:
			log.Info(gCtx, "соединение установлено", logger.String("call_id", id))
		case outcome := <-ended:
			return fmt.Errorf("call ended before connecting: %s", outcome)
		case <-time.After(cfg.Signaling.IQTimeout):
			log.Warn(gCtx, "соединение не установлено, завершаем")
		case <-gCtx.Done():
		}

		select {
		case <-time.After(hold):
		case <-gCtx.Done():
		}

		hangupCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := callerCalls.Hangup(hangupCtx, c.ID()); err != nil && !errors.Is(err, jingle.ErrNotFound) {
			return err
		}
		return nil
	})

	return g.Wait()
}

// startAccount поднимает Loop, менеджер сессий и менеджер звонков одного ресурса
func startAccount(cfg *config.Config, account jid.JID, engine call.Engine, router *loopback.Router,
	mc *metrics.MetricsCollector, log logger.StructuredLogger, observer call.Observer) (*call.Manager, func(), error) {

	loop := serial.New()
	sessions, err := session.NewManager(loop, router,
		session.WithConfig(session.Config{IQTimeout: cfg.Signaling.IQTimeout, TombstoneTTL: session.DefaultConfig().TombstoneTTL}),
		session.WithLogger(log.WithFields(logger.String("account", account.String()))),
		session.WithMetrics(mc),
	)
	if err != nil {
		loop.Close()
		return nil, nil, err
	}

	calls := call.NewManager(sessions, engine, router,
		call.WithConfig(call.Config{
			PermissionTimeout:  cfg.Call.PermissionTimeout,
			CandidateSendDelay: cfg.Signaling.CandidateSendDelay,
		}),
		call.WithLogger(log),
		call.WithMetrics(mc),
		call.WithObserver(observer),
	)

	if err := router.Attach(account, jingle.CallFeatures(), sessions); err != nil {
		loop.Close()
		return nil, nil, err
	}
	return calls, func() {
		router.Detach(account)
		loop.Close()
	}, nil
}

// demoObserver печатает события звонка и при необходимости принимает входящие
type demoObserver struct {
	log        logger.StructuredLogger
	ctx        context.Context
	calls      *call.Manager
	autoAccept bool
	connected  chan string
	ended      chan string
}

func (o *demoObserver) CallStateChanged(c *call.Call, state call.State) {
	o.log.Info(context.Background(), "состояние звонка",
		logger.String("call_id", c.ID()), logger.String("state", state.String()))

	switch {
	case state == call.StateRinging && o.autoAccept:
		// Observer вызывается в Loop, Accept ждет Loop
		id := c.ID()
		go func() {
			if err := o.calls.Accept(o.ctx, id); err != nil {
				o.log.LogError(o.ctx, err, "accept failed", logger.String("call_id", id))
			}
		}()
	case state == call.StateConnected && o.connected != nil:
		select {
		case o.connected <- c.ID():
		default:
		}
	}
}

func (o *demoObserver) CallTrack(c *call.Call, kind jingle.MediaKind, trackID string) {
	o.log.Info(context.Background(), "удаленный трек",
		logger.String("call_id", c.ID()), logger.String("kind", string(kind)), logger.String("track_id", trackID))
}

func (o *demoObserver) CallEnded(c *call.Call, outcome jingle.Outcome, err error) {
	fields := []logger.Field{logger.String("call_id", c.ID()), logger.String("outcome", outcome.String())}
	if err != nil {
		fields = append(fields, logger.Err(err))
	}
	o.log.Info(context.Background(), "звонок завершен", fields...)
	select {
	case o.ended <- outcome.String():
	default:
	}
}
