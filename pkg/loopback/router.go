// Package loopback предоставляет in-memory маршрутизатор станз сигнализации
// и справочник присутствия для нескольких аккаунтов в одном процессе.
//
// Router реализует session.StanzaSender и call.Presence. Каждая станза
// кодируется в XML и декодируется обратно, как при передаче по сети.
//
// Пример использования:
//
//	router := loopback.NewRouter()
//	router.Attach(alice, jingle.CallFeatures(), aliceSessions)
//	router.Attach(bob, jingle.CallFeatures(), bobSessions)
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"mellium.im/xmpp/jid"

	"github.com/arzzra/xmpp_call/pkg/call"
	"github.com/arzzra/xmpp_call/pkg/jingle"
	"github.com/arzzra/xmpp_call/pkg/logger"
	"github.com/arzzra/xmpp_call/pkg/session"
)

var (
	_ session.StanzaSender = (*Router)(nil)
	_ call.Presence        = (*Router)(nil)
)

// Endpoint получатель станз одного ресурса. *session.Manager подходит.
type Endpoint interface {
	Dispatch(ctx context.Context, ev jingle.Event) error
	PeerUnavailable(account, peer jid.JID)
}

type endpoint struct {
	jid      jid.JID
	features jingle.Features
	target   Endpoint
}

// Router маршрутизирует IQ и message между подключенными ресурсами
type Router struct {
	mu        sync.RWMutex
	endpoints map[string]*endpoint
	// silent ресурсы, которые не отвечают на IQ
	silent map[string]bool
	logger logger.StructuredLogger
}

// NewRouter создает пустой маршрутизатор
func NewRouter(opts ...Option) *Router {
	r := &Router{
		endpoints: make(map[string]*endpoint),
		silent:    make(map[string]bool),
		logger:    logger.GetDefaultLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("loopback")
	return r
}

// Option настройка маршрутизатора
type Option func(*Router)

func WithLogger(l logger.StructuredLogger) Option {
	return func(r *Router) { r.logger = l }
}

// Attach подключает ресурс. Адрес должен содержать ресурс.
func (r *Router) Attach(account jid.JID, features jingle.Features, target Endpoint) error {
	if account.Resourcepart() == "" {
		return fmt.Errorf("loopback endpoint needs a full jid, got %s", account)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[account.String()] = &endpoint{jid: account, features: features, target: target}
	return nil
}

// Detach отключает ресурс и сообщает остальным о потере присутствия
func (r *Router) Detach(account jid.JID) {
	r.mu.Lock()
	delete(r.endpoints, account.String())
	delete(r.silent, account.String())
	others := r.snapshot()
	r.mu.Unlock()

	for _, ep := range others {
		ep.target.PeerUnavailable(ep.jid, account)
	}
}

// SetSilent ресурс перестает отвечать на IQ, отправитель получает таймаут
func (r *Router) SetSilent(account jid.JID, silent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.silent[account.String()] = silent
}

// Resources доступные ресурсы пира в порядке адресов
func (r *Router) Resources(account, peer jid.JID) []call.Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []call.Resource
	for _, ep := range r.endpoints {
		if ep.jid.Bare().Equal(peer.Bare()) {
			out = append(out, call.Resource{JID: ep.jid, Features: ep.features})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JID.String() < out[j].JID.String() })
	return out
}

// SendIQ доставляет действие Jingle и ждет результат обработки
func (r *Router) SendIQ(ctx context.Context, from, to jid.JID, j *jingle.Jingle) error {
	data, err := j.Marshal()
	if err != nil {
		return err
	}
	decoded, err := jingle.UnmarshalJingle(data)
	if err != nil {
		return err
	}

	r.mu.RLock()
	ep, ok := r.endpoints[to.String()]
	silent := r.silent[to.String()]
	r.mu.RUnlock()

	if !ok {
		return &jingle.StanzaError{Type: "cancel", Condition: "service-unavailable"}
	}
	if silent {
		<-ctx.Done()
		return ctx.Err()
	}

	action, err := jingle.ActionFromJingle(decoded)
	if err != nil {
		return stanzaErrorOf(err)
	}

	r.logger.Trace(ctx, "iq delivered",
		logger.String("from", from.String()), logger.String("to", to.String()),
		logger.String("action", string(j.Action)))

	if err := ep.target.Dispatch(ctx, jingle.Event{Account: ep.jid, From: from, Action: action}); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return err
		}
		return stanzaErrorOf(err)
	}
	return nil
}

// SendMessage доставляет message. Адрес без ресурса получают все ресурсы,
// кроме отправителя.
func (r *Router) SendMessage(ctx context.Context, from, to jid.JID, payload jingle.MessagePayload) error {
	data, err := jingle.MarshalMessage(payload)
	if err != nil {
		return err
	}

	var targets []*endpoint
	r.mu.RLock()
	for _, ep := range r.endpoints {
		if ep.jid.Equal(from) {
			continue
		}
		if ep.jid.Equal(to) || (to.Resourcepart() == "" && ep.jid.Bare().Equal(to)) {
			targets = append(targets, ep)
		}
	}
	r.mu.RUnlock()

	for _, ep := range targets {
		decoded, err := jingle.UnmarshalMessage(data)
		if err != nil {
			return err
		}
		// У message нет ответа, ошибки получателя только логируются
		if err := ep.target.Dispatch(ctx, jingle.Event{Account: ep.jid, From: from, Action: decoded}); err != nil {
			r.logger.LogError(ctx, err, "message handling failed",
				logger.String("from", from.String()), logger.String("to", ep.jid.String()))
		}
	}
	return nil
}

func (r *Router) snapshot() []*endpoint {
	out := make([]*endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep)
	}
	return out
}

// stanzaErrorOf переводит ошибку обработчика в ответ IQ error (XEP-0166)
func stanzaErrorOf(err error) *jingle.StanzaError {
	se := &jingle.StanzaError{Type: "cancel", Condition: "bad-request", Text: err.Error()}
	switch jingle.CategoryOf(err) {
	case jingle.ErrorCategoryNotFound:
		se.Condition = "item-not-found"
	case jingle.ErrorCategoryProtocol:
		se.Type = "wait"
		se.Condition = "unexpected-request"
	case jingle.ErrorCategoryConflict:
		se.Condition = "conflict"
	}
	return se
}
