package jingle

import (
	"fmt"
	"strconv"
	"strings"
)

// Candidate ICE кандидат (XEP-0176)
type Candidate struct {
	ID         string `xml:"id,attr,omitempty"`
	Foundation string `xml:"foundation,attr"`
	Component  uint16 `xml:"component,attr"`
	Protocol   string `xml:"protocol,attr"`
	Priority   uint32 `xml:"priority,attr"`
	IP         string `xml:"ip,attr"`
	Port       uint16 `xml:"port,attr"`
	Type       string `xml:"type,attr"`
	RelAddr    string `xml:"rel-addr,attr,omitempty"`
	RelPort    uint16 `xml:"rel-port,attr,omitempty"`
	TCPType    string `xml:"tcptype,attr,omitempty"`
	Generation int    `xml:"generation,attr"`
	Network    int    `xml:"network,attr,omitempty"`
}

// Типы кандидатов
const (
	CandidateHost  = "host"
	CandidatePrflx = "prflx"
	CandidateRelay = "relay"
	CandidateSrflx = "srflx"
)

// SDPLine возвращает строку кандидата в грамматике атрибута candidate
// с префиксом "candidate:" и без "a=".
func (c Candidate) SDPLine() string {
	var b strings.Builder
	fmt.Fprintf(&b, "candidate:%s %d %s %d %s %d typ %s",
		c.Foundation, c.Component, strings.ToLower(c.Protocol), c.Priority, c.IP, c.Port, c.Type)
	if c.RelAddr != "" {
		fmt.Fprintf(&b, " raddr %s rport %d", c.RelAddr, c.RelPort)
	}
	if c.TCPType != "" {
		fmt.Fprintf(&b, " tcptype %s", c.TCPType)
	}
	fmt.Fprintf(&b, " generation %d", c.Generation)
	if c.Network > 0 {
		fmt.Fprintf(&b, " network-id %d", c.Network)
	}
	return b.String()
}

// ParseCandidateLine разбирает строку кандидата.
// Принимаются префиксы "a=" и "candidate:", неизвестные расширения пропускаются.
func ParseCandidateLine(line string) (Candidate, error) {
	raw := strings.TrimSpace(line)
	raw = strings.TrimPrefix(raw, "a=")
	raw = strings.TrimPrefix(raw, "candidate:")

	fields := strings.Fields(raw)
	if len(fields) < 8 || fields[6] != "typ" {
		return Candidate{}, ErrMalformedCandidate(line, "too few fields")
	}

	component, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return Candidate{}, ErrMalformedCandidate(line, "component")
	}
	priority, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return Candidate{}, ErrMalformedCandidate(line, "priority")
	}
	port, err := strconv.ParseUint(fields[5], 10, 16)
	if err != nil {
		return Candidate{}, ErrMalformedCandidate(line, "port")
	}

	c := Candidate{
		Foundation: fields[0],
		Component:  uint16(component),
		Protocol:   strings.ToLower(fields[2]),
		Priority:   uint32(priority),
		IP:         fields[4],
		Port:       uint16(port),
		Type:       fields[7],
	}
	switch c.Type {
	case CandidateHost, CandidatePrflx, CandidateRelay, CandidateSrflx:
	default:
		return Candidate{}, ErrMalformedCandidate(line, "type")
	}

	// Расширения идут парами ключ значение
	for i := 8; i+1 < len(fields); i += 2 {
		key, value := fields[i], fields[i+1]
		switch key {
		case "raddr":
			c.RelAddr = value
		case "rport":
			p, err := strconv.ParseUint(value, 10, 16)
			if err != nil {
				return Candidate{}, ErrMalformedCandidate(line, "rport")
			}
			c.RelPort = uint16(p)
		case "tcptype":
			c.TCPType = value
		case "generation":
			g, err := strconv.Atoi(value)
			if err != nil {
				return Candidate{}, ErrMalformedCandidate(line, "generation")
			}
			c.Generation = g
		case "network-id":
			n, err := strconv.Atoi(value)
			if err == nil {
				c.Network = n
			}
		}
	}

	return c, nil
}
