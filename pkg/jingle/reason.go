package jingle

import (
	"encoding/xml"
)

// ReasonCondition условие завершения сессии
type ReasonCondition string

const (
	ReasonSuccess                 ReasonCondition = "success"
	ReasonDecline                 ReasonCondition = "decline"
	ReasonBusy                    ReasonCondition = "busy"
	ReasonCancel                  ReasonCondition = "cancel"
	ReasonGone                    ReasonCondition = "gone"
	ReasonConnectivityError       ReasonCondition = "connectivity-error"
	ReasonFailedApplication       ReasonCondition = "failed-application"
	ReasonFailedTransport         ReasonCondition = "failed-transport"
	ReasonGeneralError            ReasonCondition = "general-error"
	ReasonTimeout                 ReasonCondition = "timeout"
	ReasonMediaError              ReasonCondition = "media-error"
	ReasonSecurityError           ReasonCondition = "security-error"
	ReasonIncompatibleParameters  ReasonCondition = "incompatible-parameters"
	ReasonUnsupportedApplications ReasonCondition = "unsupported-applications"
)

// Outcome итог завершения для пользователя
type Outcome int

const (
	// OutcomeNormal обычное завершение
	OutcomeNormal Outcome = iota
	// OutcomeDeclined явный отказ пользователя или пира
	OutcomeDeclined
	// OutcomeFailed сбой сети, согласования или прав доступа
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDeclined:
		return "declined"
	case OutcomeFailed:
		return "failed"
	default:
		return "normal"
	}
}

// Outcome классифицирует условие
func (c ReasonCondition) Outcome() Outcome {
	switch c {
	case ReasonDecline, ReasonBusy:
		return OutcomeDeclined
	case ReasonSuccess, ReasonCancel, ReasonGone, "":
		return OutcomeNormal
	default:
		return OutcomeFailed
	}
}

// Reason элемент <reason/>
type Reason struct {
	Condition ReasonCondition
	Text      string
}

// NewReason создает причину без текста
func NewReason(c ReasonCondition) *Reason {
	return &Reason{Condition: c}
}

// ConditionOf возвращает условие причины, general-error для nil
func ConditionOf(r *Reason) ReasonCondition {
	if r == nil || r.Condition == "" {
		return ReasonGeneralError
	}
	return r.Condition
}

// MarshalXML кодирует условие как дочерний элемент
func (r Reason) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Name = xml.Name{Space: NSJingle, Local: "reason"}
	if err := e.EncodeToken(start); err != nil {
		return err
	}

	cond := xml.StartElement{Name: xml.Name{Local: string(r.Condition)}}
	if err := e.EncodeToken(cond); err != nil {
		return err
	}
	if err := e.EncodeToken(cond.End()); err != nil {
		return err
	}

	if r.Text != "" {
		text := xml.StartElement{Name: xml.Name{Local: "text"}}
		if err := e.EncodeElement(r.Text, text); err != nil {
			return err
		}
	}

	return e.EncodeToken(start.End())
}

// UnmarshalXML разбирает условие из первого дочернего элемента, кроме <text/>
func (r *Reason) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "text" {
				var text string
				if err := d.DecodeElement(&text, &t); err != nil {
					return err
				}
				r.Text = text
				continue
			}
			if r.Condition == "" {
				r.Condition = ReasonCondition(t.Name.Local)
			}
			if err := d.Skip(); err != nil {
				return err
			}
		case xml.EndElement:
			return nil
		}
	}
}
