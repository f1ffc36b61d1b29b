package vitals

import (
	"fmt"
	"sort"
	"strings"
)

// Channel is a functional subsystem of a dialysis machine.
type Channel string

const (
	ChannelMachine    Channel = "Machine"
	ChannelBloodPump  Channel = "BloodPump"
	ChannelUf         Channel = "Uf"
	ChannelConvective Channel = "Convective"
	ChannelDialysate  Channel = "Dialysate"
)

// AllChannels lists every channel in display order.
var AllChannels = []Channel{ChannelMachine, ChannelBloodPump, ChannelUf, ChannelConvective, ChannelDialysate}

// Modality is the dialysis therapy type.
type Modality string

const (
	ModalityUnspecified       Modality = ""
	ModalityHemodialysis      Modality = "HD"
	ModalityHemodiafiltration Modality = "HDF"
	ModalityHemofiltration    Modality = "HF"
	ModalityIsolatedUF        Modality = "IUF"
)

// OperatingMode is the machine state.
type OperatingMode string

const (
	ModeIdle    OperatingMode = "Idle"
	ModeService OperatingMode = "Service"
	ModeTherapy OperatingMode = "Therapy"
)

// ChannelSet is an immutable-by-convention set of channels.
type ChannelSet map[Channel]struct{}

func newSet(chs ...Channel) ChannelSet {
	s := make(ChannelSet, len(chs))
	for _, c := range chs {
		s[c] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s ChannelSet) Has(c Channel) bool {
	_, ok := s[c]
	return ok
}

// Sorted returns the channels in AllChannels order.
func (s ChannelSet) Sorted() []Channel {
	out := make([]Channel, 0, len(s))
	for _, c := range AllChannels {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s ChannelSet) clone() ChannelSet {
	c := make(ChannelSet, len(s))
	for k := range s {
		c[k] = struct{}{}
	}
	return c
}

var (
	modeChannels = map[OperatingMode]ChannelSet{
		ModeIdle:    newSet(ChannelMachine),
		ModeService: newSet(ChannelMachine),
		ModeTherapy: newSet(AllChannels...),
	}

	modalityChannels = map[Modality]ChannelSet{
		ModalityHemodialysis:      newSet(ChannelMachine, ChannelBloodPump, ChannelUf, ChannelDialysate),
		ModalityHemodiafiltration: newSet(ChannelMachine, ChannelBloodPump, ChannelUf, ChannelDialysate, ChannelConvective),
		ModalityHemofiltration:    newSet(ChannelMachine, ChannelBloodPump, ChannelUf, ChannelConvective),
		ModalityIsolatedUF:        newSet(ChannelMachine, ChannelBloodPump, ChannelUf),
	}
)

// ChannelsForMode returns the channels active in the given operating mode.
// Unknown modes yield an empty set.
func ChannelsForMode(m OperatingMode) ChannelSet {
	if s, ok := modeChannels[m]; ok {
		return s.clone()
	}
	return ChannelSet{}
}

// ChannelsForModality returns the channels present for a therapy modality.
// An unspecified or unknown modality yields an empty set.
func ChannelsForModality(m Modality) ChannelSet {
	if s, ok := modalityChannels[m]; ok {
		return s.clone()
	}
	return ChannelSet{}
}

// IsChannelPresentForMode reports whether c is active in mode m.
func IsChannelPresentForMode(m OperatingMode, c Channel) bool {
	return modeChannels[m].Has(c)
}

// IsChannelPresentForModality reports whether c is present for modality m.
func IsChannelPresentForModality(m Modality, c Channel) bool {
	return modalityChannels[m].Has(c)
}

// Modalities returns the known modalities, sorted.
func Modalities() []Modality {
	out := make([]Modality, 0, len(modalityChannels))
	for m := range modalityChannels {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var modalityAliases = map[string]Modality{
	"hd":                       ModalityHemodialysis,
	"hemodialysis":             ModalityHemodialysis,
	"hdf":                      ModalityHemodiafiltration,
	"hemodiafiltration":        ModalityHemodiafiltration,
	"hf":                       ModalityHemofiltration,
	"hemofiltration":           ModalityHemofiltration,
	"iuf":                      ModalityIsolatedUF,
	"uf":                       ModalityIsolatedUF,
	"isolatedultrafiltration":  ModalityIsolatedUF,
	"isolated_ultrafiltration": ModalityIsolatedUF,
}

// ParseModality accepts a modality code or name, case-insensitively.
func ParseModality(s string) (Modality, error) {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
	if m, ok := modalityAliases[key]; ok {
		return m, nil
	}
	return ModalityUnspecified, fmt.Errorf("vitals: unknown modality %q", s)
}

// ParseOperatingMode accepts a mode name, case-insensitively.
func ParseOperatingMode(s string) (OperatingMode, error) {
	for m := range modeChannels {
		if strings.EqualFold(string(m), strings.TrimSpace(s)) {
			return m, nil
		}
	}
	return "", fmt.Errorf("vitals: unknown operating mode %q", s)
}

// ParseChannel accepts a channel name, case-insensitively.
func ParseChannel(s string) (Channel, error) {
	for _, c := range AllChannels {
		if strings.EqualFold(string(c), strings.TrimSpace(s)) {
			return c, nil
		}
	}
	return "", fmt.Errorf("vitals: unknown channel %q", s)
}
