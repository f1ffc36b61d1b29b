// Package ingestion applies device HL7 v2 ORU^R01 messages to treatment
// sessions.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dialysis/pdms/internal/domain/treatment"
	"github.com/dialysis/pdms/internal/domain/vitals"
	"github.com/dialysis/pdms/internal/platform/db"
	"github.com/dialysis/pdms/internal/platform/hl7v2"
	"github.com/dialysis/pdms/internal/platform/keylock"
)

const defaultConcurrency = 8

type Config struct {
	// MaxDrift bounds device clock drift; nil disables the check.
	MaxDrift *time.Duration
	// Concurrency bounds the messages of one batch processed at once.
	Concurrency int
	// Monitor evaluates vital sign thresholds. Nil uses the default table.
	Monitor *vitals.Monitor
	Logger  zerolog.Logger
}

// Pipeline turns raw HL7 into session state and outbox events. Messages for
// the same session are serialised through the keyed lock shared with
// treatment.Service; messages for different sessions run in parallel.
type Pipeline struct {
	repo        treatment.Repository
	locks       *keylock.Locker
	timeSync    TimeSyncValidator
	monitor     *vitals.Monitor
	concurrency int
	notify      func()
	logger      zerolog.Logger
	now         func() time.Time
}

func NewPipeline(repo treatment.Repository, locks *keylock.Locker, cfg Config) *Pipeline {
	monitor := cfg.Monitor
	if monitor == nil {
		monitor = vitals.NewMonitor(vitals.DefaultThresholds())
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Pipeline{
		repo:        repo,
		locks:       locks,
		timeSync:    TimeSyncValidator{MaxDrift: cfg.MaxDrift},
		monitor:     monitor,
		concurrency: concurrency,
		notify:      func() {},
		logger:      cfg.Logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetNotifier registers a callback run after a message's events are
// committed, typically the outbox relay's Notify.
func (p *Pipeline) SetNotifier(fn func()) {
	p.notify = fn
}

func parseORU(raw string) (*hl7v2.ORUResult, error) {
	return hl7v2.ParseORU(raw, hl7v2.WithChannelResolver(vitals.ResolveChannelName))
}

// IngestMessage applies one ORU^R01 message. Observations failing the clock
// drift check are reported in Rejections and do not fail the message. A
// replayed control id is reported as Duplicate and changes nothing.
func (p *Pipeline) IngestMessage(ctx context.Context, cmd IngestCommand) (*MessageResult, error) {
	if strings.TrimSpace(cmd.Raw) == "" {
		return nil, hl7v2.ErrEmptyInput
	}
	if err := db.ValidateTenantID(cmd.TenantID); err != nil {
		return nil, err
	}
	received := cmd.ReceivedAt
	if received.IsZero() {
		received = p.now()
	}

	oru, err := parseORU(cmd.Raw)
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	if !oru.IsORU() {
		return nil, fmt.Errorf("%w: got %s", ErrNotORU, oru.MessageType)
	}
	if strings.TrimSpace(oru.SessionID) == "" {
		return nil, ErrMissingSessionID
	}

	log := p.logger.With().
		Str("tenant_id", cmd.TenantID).
		Str("session_id", oru.SessionID).
		Str("control_id", oru.ControlID).
		Logger()

	unlock, err := p.locks.Lock(ctx, treatment.LockKey(cmd.TenantID, oru.SessionID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var res *MessageResult
	err = db.Retry(ctx, treatment.RetryPolicy, func(ctx context.Context) error {
		r, err := p.apply(ctx, cmd.TenantID, oru, received)
		res = r
		return err
	})
	if err != nil {
		log.Warn().Err(err).Msg("message rejected")
		return nil, err
	}

	if res.Duplicate {
		log.Info().Msg("duplicate message ignored")
		return res, nil
	}
	p.notify()

	for _, w := range res.Warnings {
		log.Warn().Msg(w)
	}
	for _, r := range res.Rejections {
		log.Warn().Str("code", r.Code).Dur("drift", r.Drift).Msg("observation rejected for clock drift")
	}
	log.Info().
		Bool("created", res.Created).
		Int("observations", res.ObservationCount).
		Int("rejected", len(res.Rejections)).
		Int("breaches", res.Breaches).
		Msg("message ingested")
	return res, nil
}

// apply runs one attempt of a message inside a repository transaction.
func (p *Pipeline) apply(ctx context.Context, tenantID string, oru *hl7v2.ORUResult, received time.Time) (*MessageResult, error) {
	res := &MessageResult{ControlID: oru.ControlID, SessionID: oru.SessionID}

	err := p.repo.InTx(ctx, func(ctx context.Context) error {
		if oru.ControlID != "" {
			first, err := p.repo.MarkMessageProcessed(ctx, treatment.MessageKey{
				TenantID:        tenantID,
				SendingApp:      oru.SendingApp,
				SendingFacility: oru.SendingFacility,
				SessionID:       oru.SessionID,
				ControlID:       oru.ControlID,
			})
			if err != nil {
				return fmt.Errorf("mark message: %w", err)
			}
			if !first {
				res.Duplicate = true
				return nil
			}
		}

		sess, created, err := p.repo.GetOrCreate(ctx, tenantID, oru.SessionID, received)
		if err != nil {
			return err
		}
		res.Created = created
		if sess.Status.Closed() {
			return &treatment.StateError{From: sess.Status, Action: "ingest into", Err: treatment.ErrSessionClosed}
		}

		if err := p.backfill(sess, oru, res); err != nil {
			return err
		}

		var accepted []*treatment.Observation
		for i, po := range oru.Observations {
			if err := p.timeSync.Validate(i, po.Code, po.EffectiveTime, received); err != nil {
				var drift *DriftError
				if errors.As(err, &drift) {
					res.Rejections = append(res.Rejections, drift)
					continue
				}
				return err
			}

			obs := &treatment.Observation{
				Code:             po.Code,
				Name:             po.Name,
				Value:            po.Value,
				Unit:             po.Unit,
				SubID:            po.SubID,
				ReferenceRange:   po.ReferenceRange,
				Provenance:       po.Provenance,
				EffectiveTime:    po.EffectiveTime,
				ContainmentLevel: po.ContainmentLevel,
				ChannelName:      po.ChannelName,
				ControlID:        oru.ControlID,
			}
			p.checkChannel(sess.Modality, obs, res)
			if err := sess.RecordObservation(obs, received); err != nil {
				return err
			}
			accepted = append(accepted, obs)

			for _, b := range p.evaluate(po) {
				sess.RecordBreach(obs, b, received)
				res.Breaches++
			}
		}

		if len(accepted) > 0 {
			if err := p.repo.AppendObservations(ctx, accepted); err != nil {
				return fmt.Errorf("append observations: %w", err)
			}
		}
		if err := p.repo.Save(ctx, sess); err != nil {
			return err
		}
		envs, err := treatment.IntegrationEvents(tenantID, sess.Changes())
		if err != nil {
			return err
		}
		if err := p.repo.EnqueueEvents(ctx, envs); err != nil {
			return fmt.Errorf("enqueue events: %w", err)
		}
		sess.ClearChanges()

		res.ObservationCount = len(accepted)
		res.Accepted = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// backfill records patient, device and modality when the session has none.
// Conflicting values keep the recorded one and add a warning.
func (p *Pipeline) backfill(sess *treatment.Session, oru *hl7v2.ORUResult, res *MessageResult) error {
	warn := func(err error, sentinel error, format string, args ...any) error {
		if errors.Is(err, sentinel) {
			res.Warnings = append(res.Warnings, fmt.Sprintf(format, args...))
			return nil
		}
		return err
	}

	if err := sess.BackfillPatient(oru.PatientMRN); err != nil {
		if err := warn(err, treatment.ErrPatientMismatch, "patient %s does not match session patient", oru.PatientMRN); err != nil {
			return err
		}
	}
	if err := sess.AttachDevice(oru.DeviceID); err != nil {
		if err := warn(err, treatment.ErrDeviceMismatch, "device %s does not match session device", oru.DeviceID); err != nil {
			return err
		}
	}

	for _, po := range oru.Observations {
		if !isCode(po, vitals.CodeTherapyModality) {
			continue
		}
		m, err := vitals.ParseModality(po.Value)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("unknown therapy modality %q", po.Value))
			break
		}
		if err := sess.SetModality(m); err != nil {
			if err := warn(err, treatment.ErrModalityMismatch, "modality %s does not match session modality %s", m, sess.Modality); err != nil {
				return err
			}
		}
		break
	}
	return nil
}

// checkChannel warns about observations on a channel the session's modality
// does not have.
func (p *Pipeline) checkChannel(m vitals.Modality, obs *treatment.Observation, res *MessageResult) {
	if m == vitals.ModalityUnspecified || obs.ChannelName == "" {
		return
	}
	ch, err := vitals.ParseChannel(obs.ChannelName)
	if err != nil {
		return
	}
	if !vitals.IsChannelPresentForModality(m, ch) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("channel %s not expected for modality %s (%s)", ch, m, obs.Code))
	}
}

// evaluate checks thresholds by code, falling back to the text identifier
// for numeric codes.
func (p *Pipeline) evaluate(po hl7v2.ParsedObservation) []vitals.Breach {
	if _, ok := p.monitor.Threshold(po.Code); ok {
		return p.monitor.Evaluate(po.Code, po.Value)
	}
	if po.Name != "" {
		return p.monitor.Evaluate(po.Name, po.Value)
	}
	return nil
}

func isCode(po hl7v2.ParsedObservation, code string) bool {
	return strings.EqualFold(po.Code, code) || strings.EqualFold(po.Name, code)
}

type outcome struct {
	msg     *hl7v2.Message
	skipped bool
	result  *MessageResult
	err     error
}

// IngestBatch splits raw into messages and ingests every ORU^R01 message.
// Other message types are skipped. A failing message is reported in
// Failures and does not stop the others. The only error returned is for
// empty input or a cancelled context.
func (p *Pipeline) IngestBatch(ctx context.Context, tenantID, raw string) (*BatchResult, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, hl7v2.ErrEmptyInput
	}
	messages, err := hl7v2.ExtractMessages(raw)
	if err != nil {
		return nil, err
	}
	received := p.now()

	outcomes := make([]outcome, len(messages))
	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, m := range messages {
		msg, err := hl7v2.Parse([]byte(m))
		if err != nil {
			outcomes[i] = outcome{err: fmt.Errorf("parse message: %w", err)}
			continue
		}
		outcomes[i].msg = msg
		if !msg.IsORU() {
			outcomes[i].skipped = true
			continue
		}
		g.Go(func() error {
			res, err := p.IngestMessage(ctx, IngestCommand{TenantID: tenantID, Raw: m, ReceivedAt: received})
			outcomes[i].result, outcomes[i].err = res, err
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &BatchResult{SessionIDs: []string{}}
	seen := make(map[string]bool)
	for i, o := range outcomes {
		incoming := o.msg
		if incoming == nil {
			incoming = &hl7v2.Message{}
		}
		var ack *hl7v2.Message
		switch {
		case o.err != nil:
			res.Failures = append(res.Failures, Failure{Index: i, ControlID: incoming.ControlID, Reason: o.err.Error()})
			ack = hl7v2.GenerateACK(incoming, hl7v2.AckError, o.err.Error())
		case o.skipped:
			res.Skipped++
			ack = hl7v2.GenerateACK(incoming, hl7v2.AckAccept, "")
		case o.result.Duplicate:
			res.Duplicates++
			res.Messages = append(res.Messages, o.result)
			ack = hl7v2.GenerateACK(incoming, hl7v2.AckAccept, "")
		default:
			res.ProcessedCount++
			res.Messages = append(res.Messages, o.result)
			if !seen[o.result.SessionID] {
				seen[o.result.SessionID] = true
				res.SessionIDs = append(res.SessionIDs, o.result.SessionID)
			}
			ack = hl7v2.GenerateACK(incoming, hl7v2.AckAccept, "")
		}
		res.ackMessages = append(res.ackMessages, ack)
		res.Acks = append(res.Acks, string(hl7v2.SerializeMessage(ack)))
	}
	sort.Strings(res.SessionIDs)

	p.logger.Info().
		Str("tenant_id", tenantID).
		Int("messages", len(messages)).
		Int("processed", res.ProcessedCount).
		Int("skipped", res.Skipped).
		Int("duplicates", res.Duplicates).
		Int("failed", len(res.Failures)).
		Msg("batch ingested")
	return res, nil
}

// Acknowledge ingests a single message and returns its acknowledgment.
// Non-ORU messages are accepted without being applied.
func (p *Pipeline) Acknowledge(ctx context.Context, tenantID, raw string) *hl7v2.Message {
	msg, err := hl7v2.Parse([]byte(raw))
	if err != nil {
		return hl7v2.GenerateACK(&hl7v2.Message{}, hl7v2.AckError, err.Error())
	}
	if !msg.IsORU() {
		return hl7v2.GenerateACK(msg, hl7v2.AckAccept, "")
	}
	if _, err := p.IngestMessage(ctx, IngestCommand{TenantID: tenantID, Raw: raw}); err != nil {
		return hl7v2.GenerateACK(msg, hl7v2.AckError, err.Error())
	}
	return hl7v2.GenerateACK(msg, hl7v2.AckAccept, "")
}
