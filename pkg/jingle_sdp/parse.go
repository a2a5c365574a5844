package jingle_sdp

import (
	"strconv"
	"strings"

	"github.com/pion/dtls/v2/pkg/crypto/fingerprint"
	"github.com/pion/sdp/v3"

	"github.com/arzzra/xmpp_call/pkg/jingle"
)

// iceParams ICE и DTLS параметры уровня сессии, наследуются медиа блоками
type iceParams struct {
	ufrag       string
	pwd         string
	fingerprint string
	setup       string
}

func (p iceParams) inherit(attrs []sdp.Attribute) iceParams {
	out := p
	for _, a := range attrs {
		switch a.Key {
		case attrIceUfrag:
			out.ufrag = a.Value
		case attrIcePwd:
			out.pwd = a.Value
		case attrFingerprint:
			out.fingerprint = a.Value
		case attrSetup:
			out.setup = a.Value
		}
	}
	return out
}

// Parse разбирает SDP в структурированные контенты.
//
// creator задает создателя контентов и точку отсчета для направления медиа.
// При отсутствии или некорректности обязательных полей (o=, ufrag, pwd,
// fingerprint для DTLS профиля) возвращается ошибка категории FAILURE
// и никакого частичного результата.
func Parse(text string, creator jingle.Role) (*Description, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(text)); err != nil {
		return nil, jingle.ErrSDPParse("unmarshal").WithCause(err)
	}

	desc := &Description{
		SessionID:      sd.Origin.SessionID,
		SessionVersion: sd.Origin.SessionVersion,
	}

	session := iceParams{}.inherit(sd.Attributes)
	for _, a := range sd.Attributes {
		if a.Key != attrGroup {
			continue
		}
		fields := strings.Fields(a.Value)
		if len(fields) > 0 && fields[0] == jingle.SemanticsBundle {
			desc.Bundle = append([]string(nil), fields[1:]...)
		}
	}

	for _, md := range sd.MediaDescriptions {
		content, err := parseMedia(md, session, creator)
		if err != nil {
			return nil, err
		}
		desc.Contents = append(desc.Contents, content)
	}

	return desc, nil
}

func parseMedia(md *sdp.MediaDescription, session iceParams, creator jingle.Role) (jingle.Content, error) {
	kind := md.MediaName.Media
	content := jingle.Content{
		Name:    kind,
		Creator: creator,
	}
	if mid, ok := md.Attribute(attrMid); ok && mid != "" {
		content.Name = mid
	}

	rtp := &jingle.RTPDescription{Media: kind}
	index := make(map[uint8]int)
	for _, format := range md.MediaName.Formats {
		id, err := strconv.ParseUint(format, 10, 8)
		if err != nil {
			continue
		}
		index[uint8(id)] = len(rtp.PayloadTypes)
		rtp.PayloadTypes = append(rtp.PayloadTypes, jingle.PayloadType{ID: uint8(id)})
	}

	ssrcIndex := make(map[uint32]int)
	var wildcardFeedback []jingle.RTCPFeedback

	for _, a := range md.Attributes {
		switch a.Key {
		case attrSendRecv, attrSendOnly, attrRecvOnly, attrInactive:
			content.Senders = sendersOf(a.Key, creator)

		case attrRtpmap:
			pt, rest, ok := splitPayload(a.Value)
			if !ok {
				continue
			}
			i, ok := index[pt]
			if !ok {
				continue
			}
			parts := strings.Split(rest, "/")
			rtp.PayloadTypes[i].Name = parts[0]
			if len(parts) > 1 {
				if rate, err := strconv.ParseUint(parts[1], 10, 32); err == nil {
					rtp.PayloadTypes[i].ClockRate = uint32(rate)
				}
			}
			if len(parts) > 2 {
				if ch, err := strconv.ParseUint(parts[2], 10, 8); err == nil {
					rtp.PayloadTypes[i].Channels = uint8(ch)
				}
			}

		case attrFmtp:
			pt, rest, ok := splitPayload(a.Value)
			if !ok {
				continue
			}
			if i, ok := index[pt]; ok {
				rtp.PayloadTypes[i].Parameters = append(rtp.PayloadTypes[i].Parameters, parseFmtp(rest)...)
			}

		case attrRtcpFb:
			id, rest, _ := strings.Cut(a.Value, " ")
			fb := parseFeedback(rest)
			if fb.Type == "" {
				continue
			}
			if id == "*" {
				wildcardFeedback = append(wildcardFeedback, fb)
				continue
			}
			pt, err := strconv.ParseUint(id, 10, 8)
			if err != nil {
				continue
			}
			if i, ok := index[uint8(pt)]; ok {
				rtp.PayloadTypes[i].Feedback = append(rtp.PayloadTypes[i].Feedback, fb)
			}

		case attrRtcpMux:
			rtp.RTCPMux = &jingle.Empty{}

		case attrCrypto:
			c, err := parseCrypto(a.Value)
			if err != nil {
				return jingle.Content{}, err
			}
			if rtp.Encryption == nil {
				rtp.Encryption = &jingle.Encryption{}
			}
			rtp.Encryption.Crypto = append(rtp.Encryption.Crypto, c)

		case attrSSRC:
			id, rest, _ := strings.Cut(a.Value, " ")
			ssrc, err := strconv.ParseUint(id, 10, 32)
			if err != nil {
				return jingle.Content{}, jingle.ErrSDPParse("ssrc " + a.Value)
			}
			i, ok := ssrcIndex[uint32(ssrc)]
			if !ok {
				i = len(rtp.Sources)
				ssrcIndex[uint32(ssrc)] = i
				rtp.Sources = append(rtp.Sources, jingle.Source{SSRC: uint32(ssrc)})
			}
			if rest != "" {
				name, value, _ := strings.Cut(rest, ":")
				rtp.Sources[i].Parameters = append(rtp.Sources[i].Parameters, jingle.Parameter{Name: name, Value: value})
			}

		case attrSSRCGroup:
			fields := strings.Fields(a.Value)
			if len(fields) < 2 {
				return jingle.Content{}, jingle.ErrSDPParse("ssrc-group " + a.Value)
			}
			group := jingle.SourceGroup{Semantics: fields[0]}
			for _, f := range fields[1:] {
				ssrc, err := strconv.ParseUint(f, 10, 32)
				if err != nil {
					return jingle.Content{}, jingle.ErrSDPParse("ssrc-group " + a.Value)
				}
				group.Sources = append(group.Sources, jingle.SourceRef{SSRC: uint32(ssrc)})
			}
			rtp.SourceGroups = append(rtp.SourceGroups, group)

		case attrExtmap:
			ext, err := parseExtmap(a.Value, creator)
			if err != nil {
				return jingle.Content{}, err
			}
			rtp.HeaderExtensions = append(rtp.HeaderExtensions, ext)
		}
	}

	if len(wildcardFeedback) > 0 {
		for i := range rtp.PayloadTypes {
			rtp.PayloadTypes[i].Feedback = append(rtp.PayloadTypes[i].Feedback, wildcardFeedback...)
		}
	}
	content.Description = rtp

	transport, err := parseTransport(md, session)
	if err != nil {
		return jingle.Content{}, err
	}
	content.Transport = transport

	return content, nil
}

func parseTransport(md *sdp.MediaDescription, session iceParams) (*jingle.ICETransport, error) {
	ice := session.inherit(md.Attributes)
	if ice.ufrag == "" {
		return nil, jingle.ErrSDPParse("missing ice-ufrag")
	}
	if ice.pwd == "" {
		return nil, jingle.ErrSDPParse("missing ice-pwd")
	}

	transport := &jingle.ICETransport{Ufrag: ice.ufrag, Pwd: ice.pwd}

	if ice.fingerprint != "" {
		hash, value, ok := strings.Cut(ice.fingerprint, " ")
		if !ok || value == "" {
			return nil, jingle.ErrSDPParse("malformed fingerprint")
		}
		if _, err := fingerprint.HashFromString(strings.ToLower(hash)); err != nil {
			return nil, jingle.ErrSDPParse("fingerprint hash").WithCause(err)
		}
		transport.Fingerprint = &jingle.Fingerprint{Hash: hash, Value: value, Setup: ice.setup}
	} else if strings.Contains(strings.Join(md.MediaName.Protos, "/"), "TLS") {
		return nil, jingle.ErrSDPParse("missing fingerprint")
	}

	for _, a := range md.Attributes {
		if a.Key != attrCandidate {
			continue
		}
		c, err := jingle.ParseCandidateLine(a.Value)
		if err != nil {
			return nil, jingle.ErrSDPParse("candidate").WithCause(err)
		}
		transport.Candidates = append(transport.Candidates, c)
	}

	return transport, nil
}

// splitPayload делит "<pt> <rest>"
func splitPayload(value string) (uint8, string, bool) {
	id, rest, ok := strings.Cut(value, " ")
	if !ok {
		return 0, "", false
	}
	pt, err := strconv.ParseUint(id, 10, 8)
	if err != nil {
		return 0, "", false
	}
	return uint8(pt), strings.TrimSpace(rest), true
}

// parseFmtp разбирает "k1=v1;k2=v2". Значение без "=" сохраняется
// как параметр с пустым именем (например "0-16" у telephone-event).
func parseFmtp(value string) []jingle.Parameter {
	var params []jingle.Parameter
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, v, ok := strings.Cut(part, "=")
		if !ok {
			params = append(params, jingle.Parameter{Value: part})
			continue
		}
		params = append(params, jingle.Parameter{Name: strings.TrimSpace(name), Value: strings.TrimSpace(v)})
	}
	return params
}

func parseFeedback(value string) jingle.RTCPFeedback {
	typ, sub, _ := strings.Cut(strings.TrimSpace(value), " ")
	return jingle.RTCPFeedback{Type: typ, Subtype: strings.TrimSpace(sub)}
}

// parseCrypto разбирает "<tag> <suite> <key-params> [<session-params>]"
func parseCrypto(value string) (jingle.Crypto, error) {
	fields := strings.Fields(value)
	if len(fields) < 3 {
		return jingle.Crypto{}, jingle.ErrSDPParse("crypto " + value)
	}
	tag, err := strconv.Atoi(fields[0])
	if err != nil {
		return jingle.Crypto{}, jingle.ErrSDPParse("crypto tag " + fields[0])
	}
	c := jingle.Crypto{Tag: tag, Suite: fields[1], KeyParams: fields[2]}
	if len(fields) > 3 {
		c.SessionParams = strings.Join(fields[3:], " ")
	}
	return c, nil
}

// parseExtmap разбирает "<id>[/<direction>] <uri> [<attributes>]"
func parseExtmap(value string, author jingle.Role) (jingle.HeaderExtension, error) {
	fields := strings.Fields(value)
	if len(fields) < 2 {
		return jingle.HeaderExtension{}, jingle.ErrSDPParse("extmap " + value)
	}
	id, direction, _ := strings.Cut(fields[0], "/")
	n, err := strconv.ParseUint(id, 10, 16)
	if err != nil {
		return jingle.HeaderExtension{}, jingle.ErrSDPParse("extmap id " + id)
	}
	ext := jingle.HeaderExtension{ID: uint16(n), URI: fields[1]}
	if direction != "" {
		ext.Senders = sendersOf(direction, author)
	}
	return ext, nil
}
