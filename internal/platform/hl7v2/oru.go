package hl7v2

import (
	"strings"
	"time"
)

// Containment levels of an OBX sub-id, following the device containment tree
// (MDS.VMD.Channel.Metric[.Facet]).
const (
	LevelUnknown = 0
	LevelMDS     = 1
	LevelVMD     = 2
	LevelChannel = 3
	LevelMetric  = 4
	LevelFacet   = 5
)

// ContainmentLevel returns the depth of a dotted sub-id, 0 when absent.
func ContainmentLevel(subID string) int {
	subID = strings.TrimSpace(subID)
	if subID == "" {
		return LevelUnknown
	}
	return strings.Count(subID, ".") + 1
}

// ChannelResolver maps an observation code to a channel name.
type ChannelResolver func(code string) (string, bool)

// ParsedObservation is one OBX as read from the wire. Name is the text
// component of OBX-3, often the MDC reference id when Code is numeric.
type ParsedObservation struct {
	Code             string
	Name             string
	Value            string
	Unit             string
	SubID            string
	ReferenceRange   string
	Provenance       string
	EffectiveTime    *time.Time
	ContainmentLevel int
	ChannelName      string
}

// ORUResult is the content of an ORU^R01 message relevant to ingestion.
type ORUResult struct {
	ControlID         string
	MessageType       string
	MessageCode       string
	TriggerEvent      string
	Version           string
	MessageTime       time.Time
	SendingApp        string
	SendingFacility   string
	ReceivingApp      string
	ReceivingFacility string

	SessionID    string
	DeviceID     string
	PatientMRN   string
	Observations []ParsedObservation
}

// IsORU reports whether the parsed header names an ORU^R01 message.
func (r *ORUResult) IsORU() bool {
	return r.MessageCode == "ORU" && r.TriggerEvent == "R01"
}

// ORUOption configures ParseORU.
type ORUOption func(*oruOptions)

type oruOptions struct {
	resolve ChannelResolver
}

// WithChannelResolver resolves channel names from observation codes. Without
// one, channels are only taken from channel-level OBX rows.
func WithChannelResolver(r ChannelResolver) ORUOption {
	return func(o *oruOptions) { o.resolve = r }
}

// IsORU reports whether the message type is ORU^R01.
func (m *Message) IsORU() bool {
	code, trigger := m.MessageCode()
	return code == "ORU" && trigger == "R01"
}

// ParseORU parses a single ORU^R01 message. Missing optional segments leave
// the corresponding fields empty.
func ParseORU(message string, opts ...ORUOption) (*ORUResult, error) {
	var o oruOptions
	for _, opt := range opts {
		opt(&o)
	}

	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyInput
	}
	msg, err := Parse([]byte(message))
	if err != nil {
		return nil, err
	}

	h := msg.Header()
	res := &ORUResult{
		ControlID:         h.ControlID,
		MessageType:       msg.Type,
		MessageCode:       h.MessageCode,
		TriggerEvent:      h.TriggerEvent,
		Version:           h.Version,
		MessageTime:       h.MessageTime,
		SendingApp:        h.SendingApp,
		SendingFacility:   h.SendingFacility,
		ReceivingApp:      h.ReceivingApp,
		ReceivingFacility: h.ReceivingFacility,
	}

	if pids := msg.PIDs(); len(pids) > 0 {
		res.PatientMRN = pids[0].PrimaryID()
	}

	if obrs := msg.OBRs(); len(obrs) > 0 {
		obr := obrs[0]
		ei := obr.FillerOrder
		if ei.EntityID == "" {
			ei = EntityIdentifier{EntityID: obr.UniversalService.Identifier, NamespaceID: obr.UniversalService.Text}
		}
		res.SessionID = ei.EntityID
		res.DeviceID = ei.NamespaceID
	}

	channels := make(map[string]string)
	for _, obx := range msg.OBXs() {
		obs := ParsedObservation{
			Code:             obx.Identifier.Identifier,
			Name:             obx.Identifier.Text,
			Value:            obx.Value,
			Unit:             obx.Units.Identifier,
			SubID:            obx.SubID,
			ReferenceRange:   obx.ReferenceRange,
			Provenance:       obx.Method.Identifier,
			ContainmentLevel: ContainmentLevel(obx.SubID),
		}
		if obx.HasTime {
			ts := obx.ObservationTime
			obs.EffectiveTime = &ts
		}
		obs.ChannelName = channelFor(obs, channels, o.resolve)
		res.Observations = append(res.Observations, obs)
	}

	return res, nil
}

// channelFor resolves the channel of an observation. A channel-level row
// names the channel for every deeper row sharing its sub-id prefix.
func channelFor(obs ParsedObservation, channels map[string]string, resolve ChannelResolver) string {
	byCode := func() string {
		if resolve == nil {
			return ""
		}
		if name, ok := resolve(obs.Code); ok {
			return name
		}
		if obs.Name != "" {
			if name, ok := resolve(obs.Name); ok {
				return name
			}
		}
		return ""
	}

	switch {
	case obs.ContainmentLevel == LevelChannel:
		name := byCode()
		if name == "" && resolve == nil {
			name = obs.Code
		}
		if name != "" {
			channels[obs.SubID] = name
		}
		return name
	case obs.ContainmentLevel > LevelChannel:
		parts := strings.SplitN(obs.SubID, ".", LevelChannel+1)
		prefix := strings.Join(parts[:LevelChannel], ".")
		if name, ok := channels[prefix]; ok {
			return name
		}
	}
	return byCode()
}
