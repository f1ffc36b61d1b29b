package hl7v2

import "time"

// CodedElement is a CE/CWE composite (identifier^text^coding system).
type CodedElement struct {
	Identifier   string
	Text         string
	CodingSystem string
}

func codedElement(f Field) CodedElement {
	return CodedElement{
		Identifier:   f.Component(1),
		Text:         f.Component(2),
		CodingSystem: f.Component(3),
	}
}

// EntityIdentifier is an EI composite (entity^namespace^universal id).
type EntityIdentifier struct {
	EntityID    string
	NamespaceID string
	UniversalID string
}

func entityIdentifier(f Field) EntityIdentifier {
	return EntityIdentifier{
		EntityID:    f.Component(1),
		NamespaceID: f.Component(2),
		UniversalID: f.Component(3),
	}
}

// PatientIdentifier is one repetition of PID-3.
type PatientIdentifier struct {
	ID                 string
	AssigningAuthority string
	TypeCode           string
}

// MSH is the typed message header.
type MSH struct {
	SendingApp        string
	SendingFacility   string
	ReceivingApp      string
	ReceivingFacility string
	MessageTime       time.Time
	MessageCode       string
	TriggerEvent      string
	MessageStructure  string
	ControlID         string
	ProcessingID      string
	Version           string
}

// PID carries the patient identification fields used for ingestion.
type PID struct {
	SetID       string
	Identifiers []PatientIdentifier
	FamilyName  string
	GivenName   string
}

// PrimaryID returns the first repetition of PID-3, or "".
func (p PID) PrimaryID() string {
	if len(p.Identifiers) == 0 {
		return ""
	}
	return p.Identifiers[0].ID
}

// OBR is the observation request.
type OBR struct {
	SetID            string
	PlacerOrder      EntityIdentifier
	FillerOrder      EntityIdentifier
	UniversalService CodedElement
	ObservationTime  time.Time
}

// OBX is a single observation result.
type OBX struct {
	SetID           string
	ValueType       string
	Identifier      CodedElement
	SubID           string
	Value           string
	Units           CodedElement
	ReferenceRange  string
	AbnormalFlags   string
	ResultStatus    string
	ObservationTime time.Time
	HasTime         bool
	Method          CodedElement
}

// Header returns the typed MSH segment.
func (m *Message) Header() MSH {
	msh := m.GetSegment("MSH")
	if msh == nil {
		return MSH{}
	}
	h := MSH{
		SendingApp:        msh.GetComponent(3, 1),
		SendingFacility:   msh.GetComponent(4, 1),
		ReceivingApp:      msh.GetComponent(5, 1),
		ReceivingFacility: msh.GetComponent(6, 1),
		MessageTime:       m.Timestamp,
		MessageCode:       msh.GetComponent(9, 1),
		TriggerEvent:      msh.GetComponent(9, 2),
		MessageStructure:  msh.GetComponent(9, 3),
		ControlID:         msh.GetField(10),
		ProcessingID:      msh.GetComponent(11, 1),
		Version:           msh.GetComponent(12, 1),
	}
	return h
}

// PIDs returns every PID segment in source order.
func (m *Message) PIDs() []PID {
	var out []PID
	for _, seg := range m.GetSegments("PID") {
		p := PID{SetID: seg.GetField(1)}
		if f, ok := seg.Field(3); ok {
			for _, rep := range f.Repeats {
				id := PatientIdentifier{ID: component(rep, 1), AssigningAuthority: component(rep, 4), TypeCode: component(rep, 5)}
				if id.ID != "" {
					p.Identifiers = append(p.Identifiers, id)
				}
			}
		}
		p.FamilyName = seg.GetComponent(5, 1)
		p.GivenName = seg.GetComponent(5, 2)
		out = append(out, p)
	}
	return out
}

// OBRs returns every OBR segment in source order.
func (m *Message) OBRs() []OBR {
	var out []OBR
	for _, seg := range m.GetSegments("OBR") {
		o := OBR{SetID: seg.GetField(1)}
		if f, ok := seg.Field(2); ok {
			o.PlacerOrder = entityIdentifier(f)
		}
		if f, ok := seg.Field(3); ok {
			o.FillerOrder = entityIdentifier(f)
		}
		if f, ok := seg.Field(4); ok {
			o.UniversalService = codedElement(f)
		}
		if ts, ok := ParseTimestamp(seg.GetField(7)); ok {
			o.ObservationTime = ts
		}
		out = append(out, o)
	}
	return out
}

// OBXs returns every OBX segment in source order.
func (m *Message) OBXs() []OBX {
	var out []OBX
	for _, seg := range m.GetSegments("OBX") {
		o := OBX{
			SetID:          seg.GetField(1),
			ValueType:      seg.GetField(2),
			SubID:          seg.GetField(4),
			ReferenceRange: seg.GetComponent(7, 1),
			AbnormalFlags:  seg.GetField(8),
			ResultStatus:   seg.GetField(11),
		}
		if f, ok := seg.Field(3); ok {
			o.Identifier = codedElement(f)
		}
		if f, ok := seg.Field(5); ok {
			// composite values (CWE, SN) are kept raw
			o.Value = f.Value
			if len(f.Components) == 1 && len(f.Repeats) == 1 {
				o.Value = f.Component(1)
			}
		}
		if f, ok := seg.Field(6); ok {
			o.Units = codedElement(f)
		}
		if ts, ok := ParseTimestamp(seg.GetField(14)); ok {
			o.ObservationTime = ts
			o.HasTime = true
		}
		if f, ok := seg.Field(17); ok {
			o.Method = codedElement(f)
		}
		out = append(out, o)
	}
	return out
}

func component(rep []string, n int) string {
	if n < 1 || n > len(rep) {
		return ""
	}
	return rep[n-1]
}
