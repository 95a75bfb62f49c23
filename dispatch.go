package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

type EventType string

const (
	EventStarted    EventType = "started"
	EventTranscript EventType = "transcript"
	EventEnded      EventType = "ended"
	EventFailed     EventType = "failed"
)

type ContactInfo struct {
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// CallEvent is the tagged form of an inbound provider webhook. Anything
// that does not validate against the schema is rejected at the boundary and
// never reaches the state machine.
type CallEvent struct {
	Type           EventType    `json:"type"`
	CallID         string       `json:"callId"`
	Stage          *int         `json:"stage,omitempty"`
	Seq            int          `json:"seq,omitempty"`
	TranscriptText string       `json:"transcriptText,omitempty"`
	CallerContact  *ContactInfo `json:"callerContact,omitempty"`
	Inbound        bool         `json:"inbound,omitempty"`
	EndReason      string       `json:"endReason,omitempty"`
}

const callEventSchemaJSON = `{
	"type": "object",
	"required": ["type", "callId"],
	"additionalProperties": false,
	"properties": {
		"type": {"enum": ["started", "transcript", "ended", "failed"]},
		"callId": {"type": "string", "minLength": 1},
		"stage": {"type": "integer", "minimum": 0, "maximum": 4},
		"seq": {"type": "integer", "minimum": 0},
		"transcriptText": {"type": "string"},
		"inbound": {"type": "boolean"},
		"endReason": {"type": "string"},
		"callerContact": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"phone": {"type": "string"},
				"email": {"type": "string"}
			}
		}
	},
	"allOf": [{
		"if": {"properties": {"type": {"const": "transcript"}}},
		"then": {"required": ["transcriptText"]}
	}]
}`

var callEventSchema = jsonschema.MustCompileString("call-event.json", callEventSchemaJSON)

// ParseCallEvent validates and decodes a raw webhook payload.
func ParseCallEvent(data []byte) (CallEvent, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return CallEvent{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := callEventSchema.Validate(raw); err != nil {
		return CallEvent{}, fmt.Errorf("invalid call event: %w", err)
	}
	var ev CallEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return CallEvent{}, fmt.Errorf("decoding call event: %w", err)
	}
	return ev, nil
}

// DispatchResult reports how an event was handled. Discarded events are an
// acknowledged outcome, not an error: the provider must not redeliver them.
type DispatchResult struct {
	Outcome string // "handled" or "discarded"
	Reason  string
}

func handled() DispatchResult {
	return DispatchResult{Outcome: "handled"}
}

func discarded(reason string) DispatchResult {
	return DispatchResult{Outcome: "discarded", Reason: reason}
}

// Dispatcher routes validated call events through the per-call state
// machine: unknown -> started -> transcript* -> ended | failed.
type Dispatcher struct {
	db        *sql.DB
	sessions  *SessionStore
	locks     *customerLocks
	extractor Extractor
	provider  CallProvider
	cfg       Config
	now       func() time.Time
}

func NewDispatcher(db *sql.DB, sessions *SessionStore, extractor Extractor, provider CallProvider, cfg Config) *Dispatcher {
	return &Dispatcher{
		db:        db,
		sessions:  sessions,
		locks:     newCustomerLocks(),
		extractor: extractor,
		provider:  provider,
		cfg:       cfg,
		now:       time.Now,
	}
}

func (d *Dispatcher) Handle(ctx context.Context, ev CallEvent) (DispatchResult, error) {
	switch ev.Type {
	case EventStarted:
		return d.handleStarted(ctx, ev)
	case EventTranscript:
		return d.handleTranscript(ctx, ev)
	case EventEnded:
		return d.handleEnd(ctx, ev, false)
	case EventFailed:
		return d.handleEnd(ctx, ev, true)
	}
	return discarded("unknown event type"), nil
}

func (d *Dispatcher) handleStarted(ctx context.Context, ev CallEvent) (DispatchResult, error) {
	now := d.now()

	var cust Customer
	known := false
	if ev.CallerContact != nil {
		var err error
		cust, known, err = d.resolveContact(*ev.CallerContact)
		if err != nil {
			return DispatchResult{}, err
		}
	}

	stage := StageFoundation
	switch {
	case known:
		if n, err := CancelPendingCalls(d.db, cust.ID); err == nil && n > 0 {
			log.Printf("dispatch cancelled pending follow-ups customer=%s count=%d", cust.ID, n)
		}
		if ev.Stage != nil {
			stage = *ev.Stage
		} else {
			stage = NextStage(cust)
		}
	case ev.Inbound:
		// Caller-initiated and unidentified: collect contact details first.
		stage = StageIdentify
	default:
		if ev.Stage != nil {
			stage = *ev.Stage
		}
	}

	sess := &CallSession{
		CallID:       ev.CallID,
		Stage:        stage,
		Inbound:      ev.Inbound,
		StartedAt:    now,
		LastActivity: now,
	}
	if known {
		sess.CustomerID = cust.ID
	}
	if ev.CallerContact != nil {
		sess.CallerPhone = ev.CallerContact.Phone
	}
	if !d.sessions.Create(sess) {
		return discarded("duplicate started event"), nil
	}
	log.Printf("dispatch started call=%s stage=%s customer=%s inbound=%t",
		ev.CallID, stageName(stage), sess.CustomerID, ev.Inbound)

	// Seed the agent with everything already known; best-effort.
	var tt TruthTable
	if known {
		var err error
		tt, err = LoadTruthTable(d.db, cust.ID)
		if err != nil {
			log.Printf("dispatch load truth table error call=%s: %v", ev.CallID, err)
			tt = make(TruthTable)
		}
	}
	instructions := BuildInstructions(cust, tt, stage)
	if err := d.provider.UpdateInstructions(ctx, ev.CallID, instructions); err != nil {
		log.Printf("dispatch update instructions error call=%s: %v", ev.CallID, err)
	}
	return handled(), nil
}

// resolveContact tries email then phone, and registers a new customer when
// the provider handed us an email nobody matches.
func (d *Dispatcher) resolveContact(contact ContactInfo) (Customer, bool, error) {
	if contact.Email != "" {
		c, ok, err := IdentifyCustomer(d.db, contact.Email, d.cfg.DefaultRegion)
		if err != nil || ok {
			return c, ok, err
		}
	}
	if contact.Phone != "" {
		c, ok, err := IdentifyCustomer(d.db, contact.Phone, d.cfg.DefaultRegion)
		if err != nil || ok {
			return c, ok, err
		}
	}
	if contact.Email == "" {
		return Customer{}, false, nil
	}

	phone := contact.Phone
	if e164, err := normalizePhone(phone, d.cfg.DefaultRegion); err == nil {
		phone = e164
	}
	cust := Customer{ID: uuid.NewString(), Email: contact.Email, Phone: phone, CreatedAt: d.now()}
	if err := InsertCustomer(d.db, cust); err != nil {
		return Customer{}, false, fmt.Errorf("creating customer: %w", err)
	}
	log.Printf("dispatch created customer id=%s email=%s", cust.ID, cust.Email)
	return cust, true, nil
}

func (d *Dispatcher) handleTranscript(ctx context.Context, ev CallEvent) (DispatchResult, error) {
	sess, ok := d.sessions.Get(ev.CallID)
	if !ok {
		log.Printf("dispatch transcript for unknown call=%s, discarding", ev.CallID)
		return discarded("no session for call id"), nil
	}

	now := d.now()
	sess.lock()
	dup := sess.seenSeq(ev.Seq)
	stage := sess.Stage
	customerID := sess.CustomerID
	sess.unlock()
	if dup {
		return discarded("duplicate transcript sequence"), nil
	}

	known := make(TruthTable)
	if customerID != "" {
		var err error
		known, err = LoadTruthTable(d.db, customerID)
		if err != nil {
			return DispatchResult{}, fmt.Errorf("loading truth table: %w", err)
		}
	}

	// Extraction runs outside every lock; it may block on the model call.
	candidates, err := d.extractor.Extract(ctx, ev.TranscriptText, stageForExtraction(stage), known)
	if err != nil {
		log.Printf("dispatch extraction failed call=%s (continuing with no fields): %v", ev.CallID, err)
		candidates = nil
	}

	if customerID == "" {
		customerID = d.tryResolveSession(ctx, sess, candidates, ev.TranscriptText)
	}
	if customerID == "" {
		// Nobody to merge into yet; park everything on the session draft.
		sess.lock()
		for name, cand := range candidates {
			sess.draftCandidate(name, cand)
		}
		sess.appendTranscript(ev.Seq, ev.TranscriptText, now)
		sess.unlock()
		return handled(), nil
	}

	confirmed := make(map[string]Candidate)
	sess.lock()
	for name, cand := range candidates {
		if cand.Confidence >= d.cfg.LLMConfidence {
			confirmed[name] = cand
		} else {
			// Sub-threshold predictions stay out of the truth table and
			// out of the completion score.
			sess.draftCandidate(name, cand)
		}
	}
	sess.unlock()

	if len(confirmed) > 0 {
		score, err := d.mergeForCustomer(customerID, confirmed, stage, now)
		if err != nil {
			// The seq is not committed, so the provider's redelivery of
			// this event is processed again instead of discarded.
			return DispatchResult{}, err
		}
		log.Printf("dispatch transcript call=%s customer=%s fields=%d score=%d",
			ev.CallID, customerID, len(confirmed), score)
	}

	sess.lock()
	sess.appendTranscript(ev.Seq, ev.TranscriptText, now)
	sess.unlock()
	return handled(), nil
}

// stageForExtraction maps the non-consultation flows onto a field scope:
// the identify flow only collects contact fields (StageIdentify is already a
// valid scope), support calls may correct anything.
func stageForExtraction(stage int) int {
	if stage == StageComplete {
		return StageLaunch
	}
	return stage
}

// mergeForCustomer performs the serialized read-modify-write of one
// customer's truth table and returns the recomputed completion score.
func (d *Dispatcher) mergeForCustomer(customerID string, candidates map[string]Candidate, stage int, now time.Time) (int, error) {
	unlock := d.locks.lock(customerID)
	defer unlock()

	tt, err := LoadTruthTable(d.db, customerID)
	if err != nil {
		return 0, fmt.Errorf("loading truth table: %w", err)
	}
	changed, warnings := MergeCandidates(tt, candidates, stageForExtraction(stage), now)
	for _, w := range warnings {
		log.Printf("merge warning customer=%s: %s", customerID, w)
	}
	if len(changed) == 0 {
		return CompletionScore(tt), nil
	}
	if err := SaveTruthTableFields(d.db, customerID, tt, changed); err != nil {
		return 0, fmt.Errorf("saving truth table: %w", err)
	}
	d.syncCustomerContact(customerID, tt, changed)
	return CompletionScore(tt), nil
}

// syncCustomerContact mirrors merged contact fields onto the customer row
// so identification keeps working across calls.
func (d *Dispatcher) syncCustomerContact(customerID string, tt TruthTable, changed []string) {
	var email, phone, name string
	for _, f := range changed {
		switch f {
		case "customer_email":
			email = tt[f].Value
		case "customer_phone":
			phone = tt[f].Value
			if e164, err := normalizePhone(phone, d.cfg.DefaultRegion); err == nil {
				phone = e164
			}
		case "customer_name":
			name = tt[f].Value
		}
	}
	if email == "" && phone == "" && name == "" {
		return
	}
	if err := UpdateCustomerContact(d.db, customerID, email, phone, name); err != nil {
		log.Printf("dispatch contact sync error customer=%s: %v", customerID, err)
	}
}

// tryResolveSession attaches an unidentified session to a customer using a
// self-reported email from the transcript. An existing profile wins over
// creating a duplicate; with no match a new customer is registered so the
// consultation content is not lost. Returns the customer id, or "".
func (d *Dispatcher) tryResolveSession(ctx context.Context, sess *CallSession, candidates map[string]Candidate, chunk string) string {
	email := ""
	if cand, ok := candidates["customer_email"]; ok {
		email = cand.Value
	}
	if email == "" {
		email = spokenEmail(chunk)
	}
	if email == "" {
		return ""
	}

	cust, found, err := IdentifyCustomer(d.db, email, d.cfg.DefaultRegion)
	if err != nil {
		log.Printf("dispatch identify error call=%s: %v", sess.CallID, err)
		return ""
	}

	sess.lock()
	callerPhone := sess.CallerPhone
	sess.unlock()

	if !found {
		phone := callerPhone
		if e164, perr := normalizePhone(phone, d.cfg.DefaultRegion); perr == nil {
			phone = e164
		}
		cust = Customer{ID: uuid.NewString(), Email: email, Phone: phone, CreatedAt: d.now()}
		if err := InsertCustomer(d.db, cust); err != nil {
			log.Printf("dispatch create customer error call=%s: %v", sess.CallID, err)
			return ""
		}
		log.Printf("dispatch created customer from spoken contact id=%s email=%s", cust.ID, email)
	} else {
		log.Printf("dispatch resolved call=%s to customer=%s via spoken email", sess.CallID, cust.ID)
		if callerPhone != "" && cust.Phone == "" {
			phone := callerPhone
			if e164, perr := normalizePhone(phone, d.cfg.DefaultRegion); perr == nil {
				phone = e164
			}
			if err := UpdateCustomerContact(d.db, cust.ID, "", phone, ""); err != nil {
				log.Printf("dispatch contact sync error customer=%s: %v", cust.ID, err)
			}
		}
		if n, err := CancelPendingCalls(d.db, cust.ID); err == nil && n > 0 {
			log.Printf("dispatch cancelled pending follow-ups customer=%s count=%d", cust.ID, n)
		}
	}

	// Re-route the live session and flush any parked draft fields that
	// clear the confidence bar.
	sess.lock()
	sess.CustomerID = cust.ID
	parked := sess.Draft
	sess.Draft = nil
	identifyFlow := sess.Stage == StageIdentify
	sess.unlock()

	flush := make(map[string]Candidate)
	for name, cand := range parked {
		if cand.Confidence >= d.cfg.LLMConfidence {
			flush[name] = cand
		}
	}
	if len(flush) > 0 {
		if _, err := d.mergeForCustomer(cust.ID, flush, StageFoundation, d.now()); err != nil {
			log.Printf("dispatch draft flush error call=%s: %v", sess.CallID, err)
		}
	}

	// The identify flow has done its job; steer the live agent into the
	// customer's real next stage.
	if identifyFlow {
		next := NextStage(cust)
		tt, err := LoadTruthTable(d.db, cust.ID)
		if err != nil {
			tt = make(TruthTable)
		}
		sess.lock()
		sess.Stage = next
		sess.unlock()
		if err := d.provider.UpdateInstructions(ctx, sess.CallID, BuildInstructions(cust, tt, next)); err != nil {
			log.Printf("dispatch update instructions error call=%s: %v", sess.CallID, err)
		}
	}
	return cust.ID
}

func (d *Dispatcher) handleEnd(ctx context.Context, ev CallEvent, failed bool) (DispatchResult, error) {
	sess, ok := d.sessions.Get(ev.CallID)
	if !ok {
		log.Printf("dispatch %s for unknown call=%s, discarding", ev.Type, ev.CallID)
		return discarded("no session for call id"), nil
	}

	reason := ev.EndReason
	if reason == "" {
		if failed {
			reason = "failed"
		} else {
			reason = "completed"
		}
	}
	if err := d.archiveSession(ctx, sess, reason, failed); err != nil {
		return DispatchResult{}, err
	}
	d.sessions.Remove(ev.CallID)
	return handled(), nil
}

// archiveSession writes the immutable history entry and, for a successful
// consultation call, flips the stage flag and enqueues the follow-up.
func (d *Dispatcher) archiveSession(_ context.Context, sess *CallSession, reason string, failed bool) error {
	now := d.now()
	sess.lock()
	entry := CallHistoryEntry{
		CallID:     sess.CallID,
		CustomerID: sess.CustomerID,
		Stage:      sess.Stage,
		StartedAt:  sess.StartedAt,
		EndedAt:    now,
		EndReason:  reason,
		Transcript: sess.transcriptText(),
	}
	sess.unlock()

	if entry.CustomerID != "" {
		tt, err := LoadTruthTable(d.db, entry.CustomerID)
		if err != nil {
			return fmt.Errorf("loading truth table: %w", err)
		}
		entry.CompletionScore = CompletionScore(tt)
	}
	if err := InsertCallHistory(d.db, entry); err != nil {
		return fmt.Errorf("archiving call %s: %w", entry.CallID, err)
	}
	log.Printf("dispatch archived call=%s stage=%s reason=%s score=%d failed=%t",
		entry.CallID, stageName(entry.Stage), reason, entry.CompletionScore, failed)

	// Failed calls never complete a stage and never schedule the next one.
	if failed || entry.CustomerID == "" || entry.Stage < StageFoundation || entry.Stage > StageLaunch {
		return nil
	}

	if err := SetStageDone(d.db, entry.CustomerID, entry.Stage); err != nil {
		return fmt.Errorf("marking stage done: %w", err)
	}
	cust, err := GetCustomerByID(d.db, entry.CustomerID)
	if err != nil {
		return fmt.Errorf("reloading customer: %w", err)
	}
	next := NextStage(cust)
	if next > StageLaunch {
		log.Printf("dispatch journey complete customer=%s", cust.ID)
		return nil
	}

	sc := ScheduledCall{
		ID:         uuid.NewString(),
		CustomerID: cust.ID,
		Stage:      next,
		NotBefore:  now.Add(d.cfg.followUpDelay()),
	}
	inserted, err := EnqueueScheduledCall(d.db, sc)
	if err != nil {
		return fmt.Errorf("enqueueing follow-up: %w", err)
	}
	if inserted {
		log.Printf("dispatch enqueued follow-up customer=%s stage=%s not_before=%s",
			cust.ID, stageName(next), sc.NotBefore.Format(time.RFC3339))
	}
	return nil
}

// SweepIdleSessions force-archives sessions with no activity inside the
// configured window; stale in-memory state never accumulates unbounded.
func (d *Dispatcher) SweepIdleSessions(ctx context.Context) int {
	cutoff := d.now().Add(-d.cfg.sessionIdleTimeout())
	stale := d.sessions.TakeIdle(cutoff)
	for _, sess := range stale {
		if err := d.archiveSession(ctx, sess, "inactivity timeout", true); err != nil {
			log.Printf("sweep archive error call=%s: %v", sess.CallID, err)
		}
	}
	if len(stale) > 0 {
		log.Printf("sweep archived idle sessions count=%d", len(stale))
	}
	return len(stale)
}
