package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/dialysis/pdms/internal/domain/vitals"
	"github.com/dialysis/pdms/internal/platform/hl7v2"
)

func simulateCmd() *cobra.Command {
	var opts simulateOptions
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Generate dialysis machine ORU^R01 traffic",
		Long: "Generates treatment sessions as ORU^R01 batches. Without --target the\n" +
			"batch is written to stdout; with --target each session is POSTed to\n" +
			"the batch ingestion endpoint of a running server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.Sessions, "sessions", 1, "Number of treatment sessions")
	f.IntVar(&opts.Messages, "messages", 12, "Messages per session")
	f.DurationVar(&opts.Interval, "interval", time.Minute, "Device time between messages")
	f.StringVar(&opts.Modality, "modality", "HD", "Therapy modality reported by the machines")
	f.Uint64Var(&opts.Seed, "seed", 1, "Random seed for observation values")
	f.StringVar(&opts.Target, "target", "", "Server base URL, e.g. http://localhost:8000")
	f.StringVar(&opts.Tenant, "tenant", "", "Tenant sent as X-Tenant-ID")
	f.StringVar(&opts.Token, "token", "", "Bearer token for JWT auth")
	return cmd
}

type simulateOptions struct {
	Sessions int
	Messages int
	Interval time.Duration
	Modality string
	Seed     uint64
	Target   string
	Tenant   string
	Token    string
	Start    time.Time
}

func runSimulate(ctx context.Context, opts simulateOptions, out io.Writer) error {
	if opts.Sessions < 1 || opts.Messages < 1 {
		return fmt.Errorf("--sessions and --messages must be at least 1")
	}
	modality, err := vitals.ParseModality(opts.Modality)
	if err != nil {
		return err
	}
	if opts.Start.IsZero() {
		opts.Start = time.Now().UTC().Truncate(time.Second)
	}

	sim := &simulator{
		rng:      rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		start:    opts.Start,
		interval: opts.Interval,
		modality: modality,
	}

	var client *resty.Client
	if opts.Target != "" {
		client = resty.New().
			SetBaseURL(strings.TrimRight(opts.Target, "/")).
			SetTimeout(30 * time.Second).
			SetHeader("Content-Type", "application/hl7-v2")
		if opts.Token != "" {
			client.SetAuthToken(opts.Token)
		}
		if opts.Tenant != "" {
			client.SetHeader("X-Tenant-ID", opts.Tenant)
		}
	}

	var all [][]byte
	for i := 0; i < opts.Sessions; i++ {
		s := sim.session(i, opts.Messages)
		if client == nil {
			all = append(all, s.messages...)
			continue
		}
		if err := postBatch(ctx, client, s); err != nil {
			return err
		}
		fmt.Fprintf(out, "session %s: %d message(s) accepted\n", s.id, len(s.messages))
	}

	if client == nil {
		_, err := out.Write(append(hl7v2.BuildBatch(all...), '\r'))
		return err
	}
	return nil
}

func postBatch(ctx context.Context, client *resty.Client, s simulatedSession) error {
	resp, err := client.R().
		SetContext(ctx).
		SetHeader("X-Device-ID", s.device).
		SetBody(hl7v2.BuildBatch(s.messages...)).
		Post("/api/v1/hl7/batch")
	if err != nil {
		return fmt.Errorf("post session %s: %w", s.id, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("post session %s: status %d: %s", s.id, resp.StatusCode(), resp.String())
	}
	return nil
}

type simulatedSession struct {
	id       string
	device   string
	messages [][]byte
}

// simulator produces plausible haemodialysis machine readings with bounded
// noise around typical set points.
type simulator struct {
	rng      *rand.Rand
	start    time.Time
	interval time.Duration
	modality vitals.Modality
}

type simulatedMetric struct {
	code      string
	unit      string
	subID     string
	center    float64
	noise     float64
	places    int32
	reference string
}

var simulatedMetrics = []simulatedMetric{
	{"MDC_HDIALY_BLD_PUMP_BLOOD_FLOW_RATE", "mL/min", "1.1.2.1", 300, 20, 0, "150-500"},
	{"MDC_PRESS_BLD_ART", "mmHg", "1.1.2.2", -150, 30, 0, "-250--50"},
	{"MDC_PRESS_BLD_VEN", "mmHg", "1.1.2.3", 150, 30, 0, "50-250"},
	{"MDC_HDIALY_FILTER_TRANSMEMBRANE_PRESS", "mmHg", "1.1.3.1", 120, 40, 0, "<300"},
	{"MDC_HDIALY_UF_RATE", "mL/h", "1.1.3.2", 600, 100, 0, "<2000"},
	{"MDC_HDIALY_DIALYSATE_CONDUCTIVITY", "mS/cm", "1.1.4.1", 14, 0.4, 1, "12.5-15.5"},
}

func (s *simulator) session(n, messages int) simulatedSession {
	out := simulatedSession{
		id:     fmt.Sprintf("SIM-%s-%03d", s.start.Format("20060102"), n+1),
		device: fmt.Sprintf("DEV-%03d", n+1),
	}
	mrn := fmt.Sprintf("MRN%06d", 100000+n)

	for i := 0; i < messages; i++ {
		ts := s.start.Add(time.Duration(i) * s.interval)
		var obs []hl7v2.DeviceObservation
		if i == 0 && s.modality != vitals.ModalityUnspecified {
			obs = append(obs, hl7v2.DeviceObservation{
				Code:      vitals.CodeTherapyModality,
				Value:     string(s.modality),
				ValueType: "ST",
				SubID:     "1.1.1.1",
				Time:      ts,
			})
		}
		for _, m := range simulatedMetrics {
			v := m.center + (s.rng.Float64()*2-1)*m.noise
			obs = append(obs, hl7v2.DeviceObservation{
				Code:           m.code,
				Value:          decimal.NewFromFloat(v).StringFixed(m.places),
				Unit:           m.unit,
				SubID:          m.subID,
				ReferenceRange: m.reference,
				Method:         "AMEAS",
				Time:           ts,
			})
		}
		out.messages = append(out.messages, hl7v2.ORUBuilder{
			SendingApp:   "DIALYSIS",
			ControlID:    fmt.Sprintf("%s-%04d", out.id, i+1),
			Timestamp:    ts,
			PatientMRN:   mrn,
			SessionID:    out.id,
			DeviceID:     out.device,
			Observations: obs,
		}.Build())
	}
	return out
}
