// Package jingle описывает проводной формат сигнализации звонков поверх XMPP:
// IQ-вариант (session-initiate, session-accept, session-terminate,
// transport-info) и облегченный вариант инициации сообщениями
// (propose, retract, accept, reject, proceed).
//
// Структуры одновременно являются структурированной формой контента,
// в которую и из которой транслируется SDP.
package jingle

import (
	"encoding/xml"
)

// Пространства имен расширений
const (
	NSJingle        = "urn:xmpp:jingle:1"
	NSRTP           = "urn:xmpp:jingle:apps:rtp:1"
	NSRTCPFeedback  = "urn:xmpp:jingle:apps:rtp:rtcp-fb:0"
	NSHeaderExt     = "urn:xmpp:jingle:apps:rtp:rtp-hdrext:0"
	NSSSMA          = "urn:xmpp:jingle:apps:rtp:ssma:0"
	NSICEUDP        = "urn:xmpp:jingle:transports:ice-udp:1"
	NSDTLS          = "urn:xmpp:jingle:apps:dtls:0"
	NSGrouping      = "urn:xmpp:jingle:apps:grouping:0"
	NSMessageInit   = "urn:xmpp:jingle-message:0"
	SemanticsBundle = "BUNDLE"
)

// ActionName значение атрибута action
type ActionName string

const (
	ActionSessionInitiate  ActionName = "session-initiate"
	ActionSessionAccept    ActionName = "session-accept"
	ActionSessionTerminate ActionName = "session-terminate"
	ActionTransportInfo    ActionName = "transport-info"
)

// Role роль участника обмена
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Other возвращает противоположную роль
func (r Role) Other() Role {
	if r == RoleInitiator {
		return RoleResponder
	}
	return RoleInitiator
}

// Senders кто из участников отправляет медиа контента
type Senders string

const (
	SendersBoth      Senders = "both"
	SendersInitiator Senders = "initiator"
	SendersResponder Senders = "responder"
	SendersNone      Senders = "none"
)

// Jingle элемент <jingle/> внутри IQ
type Jingle struct {
	XMLName   xml.Name   `xml:"urn:xmpp:jingle:1 jingle"`
	Action    ActionName `xml:"action,attr"`
	SID       string     `xml:"sid,attr"`
	Initiator string     `xml:"initiator,attr,omitempty"`
	Responder string     `xml:"responder,attr,omitempty"`
	Contents  []Content  `xml:"urn:xmpp:jingle:1 content"`
	Group     *Group     `xml:"urn:xmpp:jingle:apps:grouping:0 group"`
	Reason    *Reason    `xml:"urn:xmpp:jingle:1 reason"`
}

// Bundle возвращает список контентов BUNDLE группы
func (j *Jingle) Bundle() []string {
	if j == nil || j.Group == nil {
		return nil
	}
	return j.Group.Names()
}

// Content единица согласуемого медиа
type Content struct {
	Name        string          `xml:"name,attr"`
	Creator     Role            `xml:"creator,attr"`
	Senders     Senders         `xml:"senders,attr,omitempty"`
	Description *RTPDescription `xml:"urn:xmpp:jingle:apps:rtp:1 description"`
	Transport   *ICETransport   `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport"`
}

// Empty пустой элемент-флаг (например <rtcp-mux/>)
type Empty struct{}

// RTPDescription описание RTP сессии контента (XEP-0167)
type RTPDescription struct {
	Media            string            `xml:"media,attr"`
	PayloadTypes     []PayloadType     `xml:"urn:xmpp:jingle:apps:rtp:1 payload-type"`
	Encryption       *Encryption       `xml:"urn:xmpp:jingle:apps:rtp:1 encryption"`
	RTCPMux          *Empty            `xml:"urn:xmpp:jingle:apps:rtp:1 rtcp-mux"`
	HeaderExtensions []HeaderExtension `xml:"urn:xmpp:jingle:apps:rtp:rtp-hdrext:0 rtp-hdrext"`
	Sources          []Source          `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 source"`
	SourceGroups     []SourceGroup     `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 ssrc-group"`
}

// HasRTCPMux проверяет флаг rtcp-mux
func (d *RTPDescription) HasRTCPMux() bool {
	return d != nil && d.RTCPMux != nil
}

// Kind возвращает вид медиа описания
func (d *RTPDescription) Kind() MediaKind {
	if d == nil {
		return ""
	}
	return MediaKind(d.Media)
}

// PayloadType кодек контента
type PayloadType struct {
	ID         uint8          `xml:"id,attr"`
	Name       string         `xml:"name,attr,omitempty"`
	ClockRate  uint32         `xml:"clockrate,attr,omitempty"`
	Channels   uint8          `xml:"channels,attr,omitempty"`
	Parameters []Parameter    `xml:"urn:xmpp:jingle:apps:rtp:1 parameter"`
	Feedback   []RTCPFeedback `xml:"urn:xmpp:jingle:apps:rtp:rtcp-fb:0 rtcp-fb"`
}

// Parameter пара имя/значение (fmtp или параметр SSRC)
type Parameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr,omitempty"`
}

// RTCPFeedback элемент rtcp-fb (XEP-0293)
type RTCPFeedback struct {
	Type    string `xml:"type,attr"`
	Subtype string `xml:"subtype,attr,omitempty"`
}

// HeaderExtension элемент rtp-hdrext (XEP-0294)
type HeaderExtension struct {
	ID      uint16  `xml:"id,attr"`
	URI     string  `xml:"uri,attr"`
	Senders Senders `xml:"senders,attr,omitempty"`
}

// Encryption SDES параметры
type Encryption struct {
	Required string   `xml:"required,attr,omitempty"`
	Crypto   []Crypto `xml:"urn:xmpp:jingle:apps:rtp:1 crypto"`
}

// Crypto строка a=crypto
type Crypto struct {
	Tag           int    `xml:"tag,attr"`
	Suite         string `xml:"crypto-suite,attr"`
	KeyParams     string `xml:"key-params,attr"`
	SessionParams string `xml:"session-params,attr,omitempty"`
}

// Source SSRC и его параметры в исходном порядке (XEP-0339)
type Source struct {
	SSRC       uint32      `xml:"ssrc,attr"`
	Parameters []Parameter `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 parameter"`
}

// SourceGroup группа SSRC (например FID или SIM)
type SourceGroup struct {
	Semantics string      `xml:"semantics,attr"`
	Sources   []SourceRef `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 source"`
}

// SourceRef ссылка на SSRC внутри группы
type SourceRef struct {
	SSRC uint32 `xml:"ssrc,attr"`
}

// SSRCs возвращает идентификаторы группы в исходном порядке
func (g SourceGroup) SSRCs() []uint32 {
	ids := make([]uint32, 0, len(g.Sources))
	for _, s := range g.Sources {
		ids = append(ids, s.SSRC)
	}
	return ids
}

// ICETransport транспорт ice-udp (XEP-0176) с DTLS отпечатком (XEP-0320)
type ICETransport struct {
	Ufrag       string       `xml:"ufrag,attr,omitempty"`
	Pwd         string       `xml:"pwd,attr,omitempty"`
	Fingerprint *Fingerprint `xml:"urn:xmpp:jingle:apps:dtls:0 fingerprint"`
	Candidates  []Candidate  `xml:"urn:xmpp:jingle:transports:ice-udp:1 candidate"`
}

// Fingerprint DTLS отпечаток сертификата
type Fingerprint struct {
	Hash  string `xml:"hash,attr"`
	Setup string `xml:"setup,attr,omitempty"`
	Value string `xml:",chardata"`
}

// Group группировка контентов (XEP-0338)
type Group struct {
	Semantics string         `xml:"semantics,attr"`
	Contents  []GroupContent `xml:"urn:xmpp:jingle:apps:grouping:0 content"`
}

// GroupContent ссылка на контент группы
type GroupContent struct {
	Name string `xml:"name,attr"`
}

// NewBundle строит BUNDLE группу, nil для пустого списка
func NewBundle(names []string) *Group {
	if len(names) == 0 {
		return nil
	}
	g := &Group{Semantics: SemanticsBundle}
	for _, name := range names {
		g.Contents = append(g.Contents, GroupContent{Name: name})
	}
	return g
}

// Names возвращает имена контентов группы
func (g *Group) Names() []string {
	if g == nil {
		return nil
	}
	names := make([]string, 0, len(g.Contents))
	for _, c := range g.Contents {
		names = append(names, c.Name)
	}
	return names
}

// Marshal кодирует элемент в XML
func (j *Jingle) Marshal() ([]byte, error) {
	return xml.Marshal(j)
}

// UnmarshalJingle декодирует элемент <jingle/>
func UnmarshalJingle(data []byte) (*Jingle, error) {
	var j Jingle
	if err := xml.Unmarshal(data, &j); err != nil {
		return nil, ErrMalformedPayload(err)
	}
	return &j, nil
}
