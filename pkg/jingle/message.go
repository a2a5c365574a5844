package jingle

import (
	"bytes"
	"encoding/xml"
)

// Propose предложение звонка всем ресурсам пира (XEP-0353)
type Propose struct {
	XMLName      xml.Name         `xml:"urn:xmpp:jingle-message:0 propose"`
	ID           string           `xml:"id,attr"`
	Descriptions []RTPDescription `xml:"urn:xmpp:jingle:apps:rtp:1 description"`
}

// NewPropose строит propose с описаниями для каждого вида медиа
func NewPropose(id string, media MediaSet) *Propose {
	p := &Propose{ID: id}
	for _, k := range media.Kinds() {
		p.Descriptions = append(p.Descriptions, RTPDescription{Media: string(k)})
	}
	return p
}

// Media виды медиа из описаний
func (p *Propose) Media() MediaSet {
	var s MediaSet
	for i := range p.Descriptions {
		s = s.With(p.Descriptions[i].Kind())
	}
	return s
}

// Retract отзыв предложения инициатором
type Retract struct {
	XMLName xml.Name `xml:"urn:xmpp:jingle-message:0 retract"`
	ID      string   `xml:"id,attr"`
}

// Accept предложение принято одним из ресурсов (рассылается своим ресурсам)
type Accept struct {
	XMLName xml.Name `xml:"urn:xmpp:jingle-message:0 accept"`
	ID      string   `xml:"id,attr"`
}

// Reject предложение отклонено
type Reject struct {
	XMLName xml.Name `xml:"urn:xmpp:jingle-message:0 reject"`
	ID      string   `xml:"id,attr"`
}

// Proceed ресурс готов продолжить звонок через IQ
type Proceed struct {
	XMLName xml.Name `xml:"urn:xmpp:jingle-message:0 proceed"`
	ID      string   `xml:"id,attr"`
}

// MessagePayload действие, передаваемое в <message/>
type MessagePayload interface {
	Action
	messagePayload()
}

func (*Propose) messagePayload() {}
func (*Retract) messagePayload() {}
func (*Accept) messagePayload()  {}
func (*Reject) messagePayload()  {}
func (*Proceed) messagePayload() {}

// MarshalMessage кодирует действие в XML
func MarshalMessage(p MessagePayload) ([]byte, error) {
	return xml.Marshal(p)
}

// UnmarshalMessage декодирует действие по имени корневого элемента
func UnmarshalMessage(data []byte) (MessagePayload, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, ErrMalformedPayload(err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Space != NSMessageInit {
			return nil, ErrUnsupportedAction(start.Name.Space + " " + start.Name.Local)
		}

		var payload MessagePayload
		switch start.Name.Local {
		case "propose":
			payload = &Propose{}
		case "retract":
			payload = &Retract{}
		case "accept":
			payload = &Accept{}
		case "reject":
			payload = &Reject{}
		case "proceed":
			payload = &Proceed{}
		default:
			return nil, ErrUnsupportedAction(start.Name.Local)
		}

		if err := dec.DecodeElement(payload, &start); err != nil {
			return nil, ErrMalformedPayload(err)
		}
		return payload, nil
	}
}
