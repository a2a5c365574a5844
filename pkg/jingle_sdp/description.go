// Package jingle_sdp переводит контенты Jingle в SDP и обратно.
//
// Транспортный движок понимает только текстовый SDP, сигнализация работает
// со структурированными контентами. Пакет отвечает за преобразование без
// потерь в обе стороны:
//
//	text, _ := jingle_sdp.Serialize(desc, jingle.RoleInitiator)
//	parsed, _ := jingle_sdp.Parse(text, jingle.RoleInitiator)
//
// Порядок контентов сохраняется точно, движок сопоставляет m= блоки по позиции.
package jingle_sdp

import (
	"github.com/arzzra/xmpp_call/pkg/jingle"
)

// Атрибуты SDP, с которыми работает транслятор
const (
	attrMid         = "mid"
	attrGroup       = "group"
	attrRtpmap      = "rtpmap"
	attrFmtp        = "fmtp"
	attrRtcpFb      = "rtcp-fb"
	attrRtcpMux     = "rtcp-mux"
	attrCrypto      = "crypto"
	attrSSRC        = "ssrc"
	attrSSRCGroup   = "ssrc-group"
	attrExtmap      = "extmap"
	attrIceUfrag    = "ice-ufrag"
	attrIcePwd      = "ice-pwd"
	attrFingerprint = "fingerprint"
	attrSetup       = "setup"
	attrCandidate   = "candidate"

	attrSendRecv = "sendrecv"
	attrSendOnly = "sendonly"
	attrRecvOnly = "recvonly"
	attrInactive = "inactive"
)

// Профили m= строки
const (
	protoDTLS  = "UDP/TLS/RTP/SAVPF"
	protoSDES  = "RTP/SAVPF"
	protoPlain = "RTP/AVPF"
)

// Description структурированная форма SDP
type Description struct {
	// SessionID числовой идентификатор транспортной сессии из o= строки.
	// Не совпадает с sid сигнализации.
	SessionID      uint64
	SessionVersion uint64
	Contents       []jingle.Content
	Bundle         []string
}

// ContentIndex возвращает позицию контента для адресации кандидата.
// Сначала ищется точное совпадение имени (mid), затем первый блок
// с видом медиа, равным имени.
func (d *Description) ContentIndex(name string) (int, bool) {
	if d == nil {
		return 0, false
	}
	for i, c := range d.Contents {
		if c.Name == name {
			return i, true
		}
	}
	for i, c := range d.Contents {
		if string(c.Description.Kind()) == name {
			return i, true
		}
	}
	return 0, false
}

// Media виды медиа описания
func (d *Description) Media() jingle.MediaSet {
	if d == nil {
		return 0
	}
	return jingle.MediaOf(d.Contents)
}

// directionOf переводит senders в атрибут направления с точки зрения автора
func directionOf(senders jingle.Senders, author jingle.Role) string {
	switch senders {
	case jingle.SendersNone:
		return attrInactive
	case jingle.SendersInitiator, jingle.SendersResponder:
		if string(senders) == string(author) {
			return attrSendOnly
		}
		return attrRecvOnly
	default:
		return attrSendRecv
	}
}

// sendersOf обратное преобразование directionOf
func sendersOf(direction string, author jingle.Role) jingle.Senders {
	switch direction {
	case attrInactive:
		return jingle.SendersNone
	case attrSendOnly:
		return jingle.Senders(author)
	case attrRecvOnly:
		return jingle.Senders(author.Other())
	default:
		return jingle.SendersBoth
	}
}
