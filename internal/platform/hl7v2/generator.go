package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// DeviceObservation is one OBX row produced by ORUBuilder.
type DeviceObservation struct {
	Code           string
	Text           string
	Value          string
	ValueType      string
	Unit           string
	SubID          string
	ReferenceRange string
	Method         string
	Time           time.Time
}

// ORUBuilder assembles ORU^R01 device messages the way dialysis machines
// emit them. It is used by the simulator command and tests.
type ORUBuilder struct {
	SendingApp      string
	SendingFacility string
	ControlID       string
	Timestamp       time.Time
	PatientMRN      string
	SessionID       string
	DeviceID        string
	Observations    []DeviceObservation
}

// Build renders the message with \r segment terminators.
func (b ORUBuilder) Build() []byte {
	ts := b.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	controlID := b.ControlID
	if controlID == "" {
		controlID = fmt.Sprintf("MSG%s", ts.Format("20060102150405.000"))
	}
	app := b.SendingApp
	if app == "" {
		app = "DIALYSIS"
	}
	fac := b.SendingFacility
	if fac == "" {
		fac = "UNIT"
	}

	segments := []string{
		buildMSH(app, fac, ts, controlID),
		buildPID(b.PatientMRN),
		buildOBR(b.SessionID, b.DeviceID, ts),
	}
	for i, obs := range b.Observations {
		segments = append(segments, buildOBX(i+1, obs))
	}
	return []byte(strings.Join(segments, "\r"))
}

// BuildBatch wraps messages in FHS/BHS/BTS/FTS envelope segments.
func BuildBatch(messages ...[]byte) []byte {
	ts := FormatTimestamp(time.Now().UTC())
	segments := []string{
		"FHS|^~\\&|DIALYSIS|UNIT|PDMS|PDMS|" + ts,
		"BHS|^~\\&|DIALYSIS|UNIT|PDMS|PDMS|" + ts,
	}
	for _, m := range messages {
		segments = append(segments, string(m))
	}
	segments = append(segments,
		fmt.Sprintf("BTS|%d", len(messages)),
		"FTS|1",
	)
	return []byte(strings.Join(segments, "\r"))
}

func buildMSH(app, fac string, ts time.Time, controlID string) string {
	return fmt.Sprintf("MSH|^~\\&|%s|%s|PDMS|PDMS|%s||ORU^R01^ORU_R01|%s|P|2.6",
		escapeHL7(app), escapeHL7(fac), FormatTimestamp(ts), escapeHL7(controlID))
}

func buildPID(mrn string) string {
	if mrn == "" {
		return "PID|1"
	}
	return fmt.Sprintf("PID|1||%s^^^FACILITY^MR", escapeHL7(mrn))
}

// buildOBR carries the session in OBR-3 as entity^namespace (session^device).
func buildOBR(sessionID, deviceID string, ts time.Time) string {
	filler := escapeHL7(sessionID)
	if deviceID != "" {
		filler += "^" + escapeHL7(deviceID)
	}
	return fmt.Sprintf("OBR|1||%s|DIALYSIS^Dialysis treatment^LOCAL|||%s", filler, FormatTimestamp(ts))
}

func buildOBX(setID int, obs DeviceObservation) string {
	valueType := obs.ValueType
	if valueType == "" {
		valueType = "NM"
	}
	identifier := escapeHL7(obs.Code)
	if obs.Text != "" {
		identifier += "^" + escapeHL7(obs.Text) + "^MDC"
	}
	effective := ""
	if !obs.Time.IsZero() {
		effective = obs.Time.UTC().Format("20060102150405") + "+0000"
	}
	method := ""
	if obs.Method != "" {
		method = escapeHL7(obs.Method)
	}
	return fmt.Sprintf("OBX|%d|%s|%s|%s|%s|%s|%s||||F|||%s|||%s",
		setID, valueType, identifier, escapeHL7(obs.SubID), escapeHL7(obs.Value),
		escapeHL7(obs.Unit), escapeHL7(obs.ReferenceRange), effective, method)
}

func escapeHL7(s string) string {
	return Escape(s, DefaultDelimiters)
}
