package postgres

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/drfirst/go-rxgate/internal/collab"
	"github.com/drfirst/go-rxgate/internal/domain/therapy"
	"github.com/drfirst/go-rxgate/internal/pipeline"
)

func decision() *pipeline.Decision {
	return &pipeline.Decision{
		ID:        "dec-1",
		PatientID: "pt-1",
		Status:    pipeline.StatusAccepted,
		Chosen: &pipeline.RankedCandidate{
			Rank:      1,
			Candidate: therapy.Candidate{GenericName: "azithromycin", Dose: "500 mg", Frequency: "once daily"},
		},
		Degraded:        []*collab.DegradedInput{collab.NewDegraded(collab.AdvisorName, "enrich", "", collab.AdvisoryFallback, nil, time.Unix(0, 0))},
		DecidedAt:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		PipelineVersion: pipeline.Version,
	}
}

func TestNewAuditRow(t *testing.T) {
	at := time.Date(2024, 5, 1, 14, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	row, event, err := newAuditRow(decision(), "dr-1", "a-1", at)
	if err != nil {
		t.Fatal(err)
	}
	if row.ChosenDrug == nil || *row.ChosenDrug != "azithromycin" || !row.Degraded || row.Status != "accepted" {
		t.Errorf("row = %+v", row)
	}
	if !row.RecordedAt.Equal(at) || row.RecordedAt.Location() != time.UTC {
		t.Errorf("recorded_at = %v, want UTC", row.RecordedAt)
	}

	var rec pipeline.AuditRecord
	if err := json.Unmarshal(event, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.AuditID != "a-1" || rec.ActorID != "dr-1" || rec.Decision.ID != "dec-1" {
		t.Errorf("event = %+v", rec)
	}

	var stored pipeline.Decision
	if err := json.Unmarshal(row.Payload, &stored); err != nil || stored.Chosen.Candidate.GenericName != "azithromycin" {
		t.Errorf("payload = %s err = %v", row.Payload, err)
	}
}

func TestNewAuditRowRequiresActor(t *testing.T) {
	if _, _, err := newAuditRow(decision(), "", "a-1", time.Now()); err == nil {
		t.Error("missing actor accepted")
	}
	if _, _, err := newAuditRow(nil, "dr-1", "a-1", time.Now()); err == nil {
		t.Error("nil decision accepted")
	}
}

func TestBlockedDecisionHasNoChosenDrug(t *testing.T) {
	d := decision()
	d.Status, d.Chosen, d.Degraded = pipeline.StatusBlockedAllUnsafe, nil, nil
	row, _, err := newAuditRow(d, "dr-1", "a-2", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if row.ChosenDrug != nil || row.Degraded {
		t.Errorf("row = %+v", row)
	}
}

func TestDeadLetterEnvelope(t *testing.T) {
	msg := "broker unavailable"
	env := newDeadLetterEnvelope(&OutboxEntry{
		SubjectID: "dec-1", EventType: EventDecisionRecorded, Topic: "therapy.decisions.audit",
		Payload: json.RawMessage(`{"audit_id":"a-1"}`), RetryCount: 5, LastError: &msg,
	})
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"original_topic":"therapy.decisions.audit"`, `"payload":{"audit_id":"a-1"}`, `"last_error":"broker unavailable"`} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("envelope %s missing %s", raw, want)
		}
	}
}

func TestSchemaDeclaresTables(t *testing.T) {
	for _, table := range []string{"therapy_decisions", "outbox", "inbox"} {
		if !strings.Contains(schema, "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Errorf("schema missing %s", table)
		}
	}
}
