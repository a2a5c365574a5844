package jingle_sdp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/xmpp_call/pkg/jingle"
)

// Serialize строит SDP из структурированных контентов.
//
// Медиа блоки идут в порядке d.Contents, payload строки в порядке списка
// форматов m= строки. Если d.SessionID равен нулю, для o= строки генерируется
// новый случайный номер транспортной сессии.
func Serialize(d *Description, creator jingle.Role) (string, error) {
	if d == nil {
		return "", jingle.ErrSDPParse("nil description")
	}

	sd, err := sdp.NewJSEPSessionDescription(false)
	if err != nil {
		return "", jingle.ErrSDPParse("session id").WithCause(err)
	}
	if d.SessionID != 0 {
		sd.Origin.SessionID = d.SessionID
	}
	if d.SessionVersion != 0 {
		sd.Origin.SessionVersion = d.SessionVersion
	}

	if len(d.Bundle) > 0 {
		sd.WithValueAttribute(attrGroup, jingle.SemanticsBundle+" "+strings.Join(d.Bundle, " "))
	}

	for i := range d.Contents {
		md, err := serializeContent(&d.Contents[i], creator)
		if err != nil {
			return "", err
		}
		sd.WithMedia(md)
	}

	out, err := sd.Marshal()
	if err != nil {
		return "", jingle.ErrSDPParse("marshal").WithCause(err)
	}
	return string(out), nil
}

func serializeContent(c *jingle.Content, creator jingle.Role) (*sdp.MediaDescription, error) {
	if c.Description == nil {
		return nil, jingle.ErrSDPParse("content " + c.Name + " without description")
	}
	if c.Transport == nil {
		return nil, jingle.ErrSDPParse("content " + c.Name + " without transport")
	}
	rtp := c.Description

	proto := protoPlain
	switch {
	case c.Transport.Fingerprint != nil:
		proto = protoDTLS
	case rtp.Encryption != nil && len(rtp.Encryption.Crypto) > 0:
		proto = protoSDES
	}

	formats := make([]string, 0, len(rtp.PayloadTypes))
	for _, pt := range rtp.PayloadTypes {
		formats = append(formats, strconv.Itoa(int(pt.ID)))
	}

	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   rtp.Media,
			Port:    sdp.RangedPort{Value: 9},
			Protos:  strings.Split(proto, "/"),
			Formats: formats,
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
	}

	md.WithValueAttribute(attrMid, c.Name)
	if c.Senders != "" {
		md.WithPropertyAttribute(directionOf(c.Senders, creator))
	}

	md.WithValueAttribute(attrIceUfrag, c.Transport.Ufrag)
	md.WithValueAttribute(attrIcePwd, c.Transport.Pwd)
	if fp := c.Transport.Fingerprint; fp != nil {
		md.WithValueAttribute(attrFingerprint, fp.Hash+" "+fp.Value)
		if fp.Setup != "" {
			md.WithValueAttribute(attrSetup, fp.Setup)
		}
	}

	if rtp.HasRTCPMux() {
		md.WithPropertyAttribute(attrRtcpMux)
	}

	for _, pt := range rtp.PayloadTypes {
		// Статический payload без имени описывается только m= строкой
		if pt.Name != "" {
			rtpmap := fmt.Sprintf("%d %s/%d", pt.ID, pt.Name, pt.ClockRate)
			if pt.Channels > 0 {
				rtpmap += "/" + strconv.Itoa(int(pt.Channels))
			}
			md.WithValueAttribute(attrRtpmap, rtpmap)
		}

		if len(pt.Parameters) > 0 {
			md.WithValueAttribute(attrFmtp, fmt.Sprintf("%d %s", pt.ID, formatFmtp(pt.Parameters)))
		}
		for _, fb := range pt.Feedback {
			value := fmt.Sprintf("%d %s", pt.ID, fb.Type)
			if fb.Subtype != "" {
				value += " " + fb.Subtype
			}
			md.WithValueAttribute(attrRtcpFb, value)
		}
	}

	for _, ext := range rtp.HeaderExtensions {
		id := strconv.Itoa(int(ext.ID))
		if ext.Senders != "" {
			id += "/" + directionOf(ext.Senders, creator)
		}
		md.WithValueAttribute(attrExtmap, id+" "+ext.URI)
	}

	if rtp.Encryption != nil {
		for _, cr := range rtp.Encryption.Crypto {
			value := fmt.Sprintf("%d %s %s", cr.Tag, cr.Suite, cr.KeyParams)
			if cr.SessionParams != "" {
				value += " " + cr.SessionParams
			}
			md.WithValueAttribute(attrCrypto, value)
		}
	}

	for _, g := range rtp.SourceGroups {
		ids := make([]string, 0, len(g.Sources))
		for _, ssrc := range g.SSRCs() {
			ids = append(ids, strconv.FormatUint(uint64(ssrc), 10))
		}
		md.WithValueAttribute(attrSSRCGroup, g.Semantics+" "+strings.Join(ids, " "))
	}

	for _, src := range rtp.Sources {
		ssrc := strconv.FormatUint(uint64(src.SSRC), 10)
		if len(src.Parameters) == 0 {
			md.WithValueAttribute(attrSSRC, ssrc)
			continue
		}
		for _, p := range src.Parameters {
			value := ssrc + " " + p.Name
			if p.Value != "" {
				value += ":" + p.Value
			}
			md.WithValueAttribute(attrSSRC, value)
		}
	}

	for _, cand := range c.Transport.Candidates {
		md.WithValueAttribute(attrCandidate, strings.TrimPrefix(cand.SDPLine(), "candidate:"))
	}

	return md, nil
}

// formatFmtp собирает параметры в "k1=v1;k2=v2"
func formatFmtp(params []jingle.Parameter) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		if p.Name == "" {
			parts = append(parts, p.Value)
			continue
		}
		parts = append(parts, p.Name+"="+p.Value)
	}
	return strings.Join(parts, ";")
}
