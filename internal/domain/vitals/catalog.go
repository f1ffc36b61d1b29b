package vitals

import "strings"

// Observation codes with special meaning to ingestion.
const (
	// CodeTherapyModality carries the modality of the running therapy.
	CodeTherapyModality = "MDC_HDIALY_MACH_THERAPY_MODALITY"
	// CodeOperatingMode carries the machine operating mode.
	CodeOperatingMode = "MDC_HDIALY_MACH_MODE"
)

// channelCodes are the channel-level rows of the containment tree.
var channelCodes = map[string]Channel{
	"MDC_HDIALY_MACH_CHAN":     ChannelMachine,
	"MDC_HDIALY_BLD_PUMP_CHAN": ChannelBloodPump,
	"MDC_HDIALY_UF_CHAN":       ChannelUf,
	"MDC_HDIALY_SUBST_CHAN":    ChannelConvective,
	"MDC_HDIALY_FLUID_CHAN":    ChannelDialysate,
}

// metricCodes are exact metric codes whose channel is not evident from a prefix.
var metricCodes = map[string]Channel{
	"MDC_PRESS_BLD_ART":                     ChannelBloodPump,
	"MDC_PRESS_BLD_VEN":                     ChannelBloodPump,
	"MDC_HDIALY_FILTER_TRANSMEMBRANE_PRESS": ChannelUf,
	CodeTherapyModality:                     ChannelMachine,
	CodeOperatingMode:                       ChannelMachine,
}

// codePrefixes map code families to channels, longest prefix first.
var codePrefixes = []struct {
	prefix  string
	channel Channel
}{
	{"MDC_HDIALY_BLD_PUMP_", ChannelBloodPump},
	{"MDC_HDIALY_DIALYSATE_", ChannelDialysate},
	{"MDC_HDIALY_FLUID_", ChannelDialysate},
	{"MDC_HDIALY_SUBST_", ChannelConvective},
	{"MDC_HDIALY_CONV_", ChannelConvective},
	{"MDC_HDIALY_MACH_", ChannelMachine},
	{"MDC_HDIALY_BLD_", ChannelBloodPump},
	{"MDC_HDIALY_UF_", ChannelUf},
}

// ChannelForCode resolves the channel an observation code belongs to.
func ChannelForCode(code string) (Channel, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if c, ok := channelCodes[code]; ok {
		return c, true
	}
	if c, ok := metricCodes[code]; ok {
		return c, true
	}
	for _, p := range codePrefixes {
		if strings.HasPrefix(code, p.prefix) {
			return p.channel, true
		}
	}
	return "", false
}

// ResolveChannelName adapts ChannelForCode to a name lookup.
func ResolveChannelName(code string) (string, bool) {
	c, ok := ChannelForCode(code)
	return string(c), ok
}
