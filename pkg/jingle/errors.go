package jingle

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCategory категория исхода операции сигнализации
type ErrorCategory string

const (
	// ErrorCategoryDecline явный отказ, информационный исход
	ErrorCategoryDecline ErrorCategory = "DECLINE"
	// ErrorCategoryFailure сбой сети или согласования
	ErrorCategoryFailure ErrorCategory = "FAILURE"
	// ErrorCategoryConflict эквивалентный звонок или сессия уже существует
	ErrorCategoryConflict ErrorCategory = "CONFLICT"
	// ErrorCategoryNotFound ожидаемая запись реестра не найдена
	ErrorCategoryNotFound ErrorCategory = "NOT_FOUND"
	// ErrorCategoryTimeout истек таймаут IQ
	ErrorCategoryTimeout ErrorCategory = "TIMEOUT"
	// ErrorCategoryProtocol некорректный или неподдерживаемый payload
	ErrorCategoryProtocol ErrorCategory = "PROTOCOL"
	// ErrorCategoryPermission отказ в доступе к устройству
	ErrorCategoryPermission ErrorCategory = "PERMISSION"
)

func (c ErrorCategory) String() string {
	return string(c)
}

// SignalingError структурированная ошибка с контекстом
type SignalingError struct {
	Code     string
	Message  string
	Category ErrorCategory
	Fields   map[string]interface{}
	Cause    error
}

// Error реализует интерфейс error
func (e *SignalingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As для причины
func (e *SignalingError) Unwrap() error {
	return e.Cause
}

// Is сопоставляет ошибку с сентинелом той же категории
func (e *SignalingError) Is(target error) bool {
	t, ok := target.(*SignalingError)
	if !ok {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return t.Category == e.Category
}

// ErrorCode код ошибки для логгера
func (e *SignalingError) ErrorCode() string { return e.Code }

// ErrorCategory категория ошибки для логгера
func (e *SignalingError) ErrorCategory() string { return string(e.Category) }

// WithField добавляет поле контекста
func (e *SignalingError) WithField(key string, value interface{}) *SignalingError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithCause добавляет исходную ошибку
func (e *SignalingError) WithCause(cause error) *SignalingError {
	e.Cause = cause
	return e
}

// NewSignalingError создает ошибку
func NewSignalingError(code, message string, category ErrorCategory) *SignalingError {
	return &SignalingError{Code: code, Message: message, Category: category}
}

// Сентинелы категорий для errors.Is
var (
	ErrDeclined         = &SignalingError{Category: ErrorCategoryDecline}
	ErrFailure          = &SignalingError{Category: ErrorCategoryFailure}
	ErrConflict         = &SignalingError{Category: ErrorCategoryConflict}
	ErrNotFound         = &SignalingError{Category: ErrorCategoryNotFound}
	ErrTimeout          = &SignalingError{Category: ErrorCategoryTimeout}
	ErrProtocol         = &SignalingError{Category: ErrorCategoryProtocol}
	ErrPermissionDenied = &SignalingError{Category: ErrorCategoryPermission}
)

// CategoryOf возвращает категорию ошибки, FAILURE для прочих ошибок
func CategoryOf(err error) ErrorCategory {
	var se *SignalingError
	if errors.As(err, &se) {
		return se.Category
	}
	return ErrorCategoryFailure
}

func ErrCallConflict(account, peer string) *SignalingError {
	return NewSignalingError("CALL_CONFLICT", "call with peer already exists", ErrorCategoryConflict).
		WithField("account", account).WithField("peer", peer)
}

func ErrCallNotFound(callID string) *SignalingError {
	return NewSignalingError("CALL_NOT_FOUND", "call not found", ErrorCategoryNotFound).
		WithField("call_id", callID)
}

func ErrSessionNotFound(account, peer, sid string) *SignalingError {
	return NewSignalingError("SESSION_NOT_FOUND", "session not found", ErrorCategoryNotFound).
		WithField("account", account).WithField("peer", peer).WithField("sid", sid)
}

func ErrSessionDeclined(sid string) *SignalingError {
	return NewSignalingError("SESSION_DECLINED", "session declined", ErrorCategoryDecline).
		WithField("sid", sid)
}

func ErrSessionFailed(sid string, condition ReasonCondition) *SignalingError {
	return NewSignalingError("SESSION_FAILED", fmt.Sprintf("session terminated: %s", condition), ErrorCategoryFailure).
		WithField("sid", sid).WithField("condition", string(condition))
}

func ErrInvalidTransition(from, event string) *SignalingError {
	return NewSignalingError("INVALID_TRANSITION", fmt.Sprintf("event %s not allowed in state %s", event, from), ErrorCategoryProtocol).
		WithField("state", from).WithField("event", event)
}

func ErrIQTimeout(action ActionName, sid string) *SignalingError {
	return NewSignalingError("IQ_TIMEOUT", fmt.Sprintf("no response to %s", action), ErrorCategoryTimeout).
		WithField("action", string(action)).WithField("sid", sid)
}

func ErrPeerError(action ActionName, se *StanzaError) *SignalingError {
	return NewSignalingError("PEER_ERROR", fmt.Sprintf("peer rejected %s", action), ErrorCategoryFailure).
		WithField("action", string(action)).WithCause(se)
}

func ErrSDPParse(reason string) *SignalingError {
	return NewSignalingError("SDP_PARSE", "cannot parse session description: "+reason, ErrorCategoryFailure).
		WithField("reason", reason)
}

func ErrMediaPermission(kind MediaKind) *SignalingError {
	return NewSignalingError("MEDIA_PERMISSION", fmt.Sprintf("access to %s denied", kind), ErrorCategoryPermission).
		WithField("media", string(kind))
}

func ErrMalformedCandidate(line, field string) *SignalingError {
	return NewSignalingError("MALFORMED_CANDIDATE", "malformed candidate: "+field, ErrorCategoryProtocol).
		WithField("line", line)
}

func ErrMalformedPayload(cause error) *SignalingError {
	return NewSignalingError("MALFORMED_PAYLOAD", "malformed signaling payload", ErrorCategoryProtocol).
		WithCause(cause)
}

func ErrUnsupportedAction(action string) *SignalingError {
	return NewSignalingError("UNSUPPORTED_ACTION", "unsupported action "+action, ErrorCategoryProtocol).
		WithField("action", action)
}

// StanzaError ошибка из IQ ответа типа error
type StanzaError struct {
	Type      string
	Condition string
	Text      string
}

func (e *StanzaError) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("stanza error %s/%s: %s", e.Type, e.Condition, e.Text)
	}
	return fmt.Sprintf("stanza error %s/%s", e.Type, e.Condition)
}

// ClassifyIQError переводит результат отправки IQ в ошибку сигнализации.
// Таймаут отличается от явного ответа error от пира.
func ClassifyIQError(action ActionName, sid string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrIQTimeout(action, sid).WithCause(err)
	}
	var se *StanzaError
	if errors.As(err, &se) {
		return ErrPeerError(action, se)
	}
	return NewSignalingError("IQ_FAILED", fmt.Sprintf("cannot send %s", action), ErrorCategoryFailure).
		WithField("sid", sid).WithCause(err)
}
