package hl7v2

import (
	"strings"
	"time"
)

// Acknowledgment codes (MSA-1).
const (
	AckAccept = "AA"
	AckError  = "AE"
	AckReject = "AR"
)

const (
	defaultAckApp     = "PDMS"
	defaultAckVersion = "2.6"
)

// now is replaced in tests.
var now = func() time.Time { return time.Now().UTC() }

// BuildAccept returns an AA acknowledgment for the given control id.
func BuildAccept(controlID string) string {
	return string(SerializeMessage(GenerateACK(&Message{ControlID: controlID}, AckAccept, "")))
}

// BuildError returns an AE acknowledgment for the given control id with the
// reason carried in an ERR segment.
func BuildError(controlID, reason string) string {
	return string(SerializeMessage(GenerateACK(&Message{ControlID: controlID}, AckError, reason)))
}

// GenerateACK creates an ACK for incoming. The sending and receiving
// application/facility are swapped, MSH-10 and MSA-2 echo the original
// control id, and a non-empty reason on a non-AA code adds an ERR segment.
func GenerateACK(incoming *Message, ackCode, reason string) *Message {
	trigger := ""
	if incoming.Type != "" {
		if parts := strings.Split(incoming.Type, "^"); len(parts) > 1 {
			trigger = parts[1]
		}
	}
	if trigger == "" {
		trigger = "R01"
	}

	version := incoming.Version
	if version == "" {
		version = defaultAckVersion
	}
	sendingApp := incoming.ReceivingApp
	if sendingApp == "" {
		sendingApp = defaultAckApp
	}
	sendingFac := incoming.ReceivingFac
	if sendingFac == "" {
		sendingFac = defaultAckApp
	}

	ts := now()
	d := DefaultDelimiters
	ack := &Message{
		Type:         "ACK^" + trigger + "^ACK",
		ControlID:    incoming.ControlID,
		Version:      version,
		Timestamp:    ts,
		SendingApp:   sendingApp,
		SendingFac:   sendingFac,
		ReceivingApp: incoming.SendingApp,
		ReceivingFac: incoming.SendingFac,
		Delims:       d,
	}

	msgType := []string{"ACK", trigger, "ACK"}
	msh := Segment{Name: "MSH", Fields: []Field{
		literal(string(d.Field)),     // MSH-1
		literal(d.encodingChars()),   // MSH-2
		text(ack.SendingApp, d),      // MSH-3
		text(ack.SendingFac, d),      // MSH-4
		text(ack.ReceivingApp, d),    // MSH-5
		text(ack.ReceivingFac, d),    // MSH-6
		literal(FormatTimestamp(ts)), // MSH-7
		literal(""),                  // MSH-8
		{Value: ack.Type, Components: msgType, Repeats: [][]string{msgType}},
		text(ack.ControlID, d), // MSH-10
		literal("P"),           // MSH-11
		literal(version),       // MSH-12
	}}

	msa := Segment{Name: "MSA", Fields: []Field{
		literal(ackCode),
		text(incoming.ControlID, d),
	}}

	ack.Segments = []Segment{msh, msa}

	if ackCode != AckAccept && reason != "" {
		// ERR-4 severity, ERR-8 user message
		err := Segment{Name: "ERR", Fields: []Field{
			literal(""),
			literal(""),
			literal(""),
			literal("E"),
			literal(""),
			literal(""),
			literal(""),
			text(reason, d),
		}}
		ack.Segments = append(ack.Segments, err)
	}

	return ack
}

func literal(v string) Field {
	return Field{Value: v, Components: []string{v}, Repeats: [][]string{{v}}}
}

func text(v string, d Delimiters) Field {
	f := literal(v)
	f.Value = Escape(v, d)
	return f
}

// SerializeMessage converts a Message back into raw HL7v2 bytes with \r
// segment separators.
func SerializeMessage(msg *Message) []byte {
	d := msg.Delims
	if d.Field == 0 {
		d = DefaultDelimiters
	}
	segments := make([]string, 0, len(msg.Segments))
	for _, seg := range msg.Segments {
		segments = append(segments, serializeSegment(seg, d))
	}
	return []byte(strings.Join(segments, "\r"))
}

func serializeSegment(seg Segment, d Delimiters) string {
	sep := string(d.Field)
	start := 0
	// MSH-1 is the separator written after the segment name.
	if seg.Name == "MSH" {
		start = 1
	}
	if len(seg.Fields) <= start {
		return seg.Name + sep
	}
	parts := make([]string, 0, len(seg.Fields)-start)
	for _, f := range seg.Fields[start:] {
		parts = append(parts, f.Value)
	}
	return seg.Name + sep + strings.Join(parts, sep)
}
