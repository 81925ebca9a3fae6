package protocol

import (
	"errors"
	"strings"
)

var (
	ErrInvalidPacket = errors.New("invalid packet format")
)

// Packet is one line of the client protocol: TYPE, TYPE|CONTENT or
// TYPE|DESTINATION|CONTENT.
type Packet struct {
	Type        string
	Destination string
	Content     string
	Fields      []string // Content split on unescaped '|'
}

func ParsePacket(line string) (*Packet, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	parts := splitUnescaped(line, '|')
	if len(parts) < 1 || parts[0] == "" {
		return nil, ErrInvalidPacket
	}

	pkt := &Packet{
		Type: unescape(parts[0]),
	}

	switch {
	case len(parts) == 2:
		pkt.Content = unescape(parts[1])
		pkt.Fields = unescapeAll(parts[1:])
	case len(parts) >= 3:
		pkt.Destination = unescape(parts[1])
		rest := strings.Join(parts[2:], "|")
		pkt.Content = unescape(rest)
		pkt.Fields = unescapeAll(parts[2:])
	}

	return pkt, nil
}

// FormatPacket joins escaped fields into a newline-terminated packet.
func FormatPacket(pktType string, fields ...string) string {
	parts := make([]string, 0, len(fields)+1)
	parts = append(parts, Escape(pktType))
	for _, field := range fields {
		parts = append(parts, Escape(field))
	}
	return strings.Join(parts, "|") + "\n"
}

// FormatRecords encodes rows as a list payload: fields joined by '|', rows
// joined by ','. Every field is escaped, so the payload is safe to send raw.
func FormatRecords(rows [][]string) string {
	encoded := make([]string, 0, len(rows))
	for _, row := range rows {
		fields := make([]string, 0, len(row))
		for _, f := range row {
			fields = append(fields, Escape(f))
		}
		encoded = append(encoded, strings.Join(fields, "|"))
	}
	return strings.Join(encoded, ",")
}

// SplitRecords is the inverse of FormatRecords. An empty payload has no rows.
func SplitRecords(payload string) [][]string {
	if payload == "" {
		return nil
	}

	var rows [][]string
	for _, item := range splitUnescaped(payload, ',') {
		rows = append(rows, unescapeAll(splitUnescaped(item, '|')))
	}
	return rows
}

func unescapeAll(parts []string) []string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = unescape(p)
	}
	return out
}

// splitUnescaped splits s on delimiter, skipping escaped occurrences. The
// escape sequences are kept in the parts.
func splitUnescaped(s string, delimiter rune) []string {
	var parts []string
	var current strings.Builder
	escape := false

	for _, r := range s {
		if escape {
			current.WriteRune(r)
			escape = false
			continue
		}

		if r == '\\' {
			escape = true
			current.WriteRune(r)
			continue
		}

		if r == delimiter {
			parts = append(parts, current.String())
			current.Reset()
			continue
		}

		current.WriteRune(r)
	}

	parts = append(parts, current.String())
	return parts
}

func unescape(s string) string {
	var result strings.Builder
	escape := false

	for _, r := range s {
		if escape {
			switch r {
			case '|', ',', '\\':
				result.WriteRune(r)
			case 'n':
				result.WriteRune('\n')
			case 'r':
				result.WriteRune('\r')
			default:
				// unknown sequence stays as written
				result.WriteRune('\\')
				result.WriteRune(r)
			}
			escape = false
			continue
		}

		if r == '\\' {
			escape = true
			continue
		}

		result.WriteRune(r)
	}

	// dangling backslash
	if escape {
		result.WriteRune('\\')
	}

	return result.String()
}

// Escape protects the protocol delimiters in s.
func Escape(s string) string {
	var result strings.Builder

	for _, r := range s {
		switch r {
		case '|':
			result.WriteString("\\|")
		case ',':
			result.WriteString("\\,")
		case '\\':
			result.WriteString("\\\\")
		case '\n':
			result.WriteString("\\n")
		case '\r':
			result.WriteString("\\r")
		default:
			result.WriteRune(r)
		}
	}

	return result.String()
}
