package main

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "formationbot-test.db")
	db, err := InitDB(dbPath)
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func insertTestCustomer(t *testing.T, db *sql.DB, email, phone string) Customer {
	t.Helper()
	c := Customer{ID: uuid.NewString(), Email: email, Phone: phone, CreatedAt: time.Now()}
	if err := InsertCustomer(db, c); err != nil {
		t.Fatalf("InsertCustomer failed: %v", err)
	}
	return c
}

func TestCustomerRoundTrip(t *testing.T) {
	db := newTestDB(t)
	c := insertTestCustomer(t, db, "jordan@example.com", "+14155550123")

	got, err := GetCustomerByEmail(db, "Jordan@Example.com")
	if err != nil {
		t.Fatalf("GetCustomerByEmail failed: %v", err)
	}
	if got.ID != c.ID {
		t.Fatalf("email lookup returned wrong customer: %s", got.ID)
	}

	got, err = GetCustomerByPhone(db, "+14155550123")
	if err != nil {
		t.Fatalf("GetCustomerByPhone failed: %v", err)
	}
	if got.ID != c.ID {
		t.Fatalf("phone lookup returned wrong customer: %s", got.ID)
	}

	if err := SetStageDone(db, c.ID, StageBrand); err != nil {
		t.Fatalf("SetStageDone failed: %v", err)
	}
	got, err = GetCustomerByID(db, c.ID)
	if err != nil {
		t.Fatalf("GetCustomerByID failed: %v", err)
	}
	if !got.stageCompleted(StageBrand) || got.stageCompleted(StageFoundation) {
		t.Fatalf("unexpected stage flags: %v", got.StageDone)
	}
}

func TestUpdateCustomerContactKeepsExisting(t *testing.T) {
	db := newTestDB(t)
	c := insertTestCustomer(t, db, "jordan@example.com", "+14155550123")

	if err := UpdateCustomerContact(db, c.ID, "", "", "Jordan Lee"); err != nil {
		t.Fatalf("UpdateCustomerContact failed: %v", err)
	}
	got, err := GetCustomerByID(db, c.ID)
	if err != nil {
		t.Fatalf("GetCustomerByID failed: %v", err)
	}
	if got.Name != "Jordan Lee" {
		t.Fatalf("name not updated: %q", got.Name)
	}
	if got.Email != "jordan@example.com" || got.Phone != "+14155550123" {
		t.Fatalf("empty updates must not clear contact: %q %q", got.Email, got.Phone)
	}
}

func TestTruthTablePersistence(t *testing.T) {
	db := newTestDB(t)
	c := insertTestCustomer(t, db, "jordan@example.com", "")

	now := time.Now().UTC().Truncate(time.Second)
	tt := make(TruthTable)
	changed, _ := MergeCandidates(tt, map[string]Candidate{
		"business_name":    {Value: "Acme", Confidence: 0.92},
		"number_of_owners": {Value: "2", Confidence: 0.8},
	}, StageFoundation, now)
	if err := SaveTruthTableFields(db, c.ID, tt, changed); err != nil {
		t.Fatalf("SaveTruthTableFields failed: %v", err)
	}

	loaded, err := LoadTruthTable(db, c.ID)
	if err != nil {
		t.Fatalf("LoadTruthTable failed: %v", err)
	}
	if loaded["business_name"].Value != "Acme" || loaded["business_name"].Confidence != 0.92 {
		t.Fatalf("unexpected loaded field: %+v", loaded["business_name"])
	}
	if loaded["business_name"].Stage != StageFoundation {
		t.Fatalf("provenance lost: %+v", loaded["business_name"])
	}

	// Upsert path: correcting a field keeps a single row.
	changed, _ = MergeCandidates(loaded, map[string]Candidate{
		"business_name": {Value: "Acme LLC", Confidence: 0.95},
	}, StageBrand, now)
	if err := SaveTruthTableFields(db, c.ID, loaded, changed); err != nil {
		t.Fatalf("SaveTruthTableFields upsert failed: %v", err)
	}
	reloaded, err := LoadTruthTable(db, c.ID)
	if err != nil {
		t.Fatalf("LoadTruthTable failed: %v", err)
	}
	if len(reloaded) != 2 || reloaded["business_name"].Value != "Acme LLC" {
		t.Fatalf("unexpected table after upsert: %+v", reloaded)
	}
}

func TestCallHistoryAppendOnly(t *testing.T) {
	db := newTestDB(t)
	c := insertTestCustomer(t, db, "jordan@example.com", "")
	start := time.Now().UTC().Truncate(time.Second)

	entry := CallHistoryEntry{
		CallID:          "call-1",
		CustomerID:      c.ID,
		Stage:           StageFoundation,
		StartedAt:       start,
		EndedAt:         start.Add(9 * time.Minute),
		EndReason:       "completed",
		CompletionScore: 21,
		Transcript:      "hello\nworld",
	}
	if err := InsertCallHistory(db, entry); err != nil {
		t.Fatalf("InsertCallHistory failed: %v", err)
	}
	if err := InsertCallHistory(db, entry); err == nil {
		t.Fatal("duplicate call id should be rejected")
	}

	entries, err := GetCallHistoryByCustomer(db, c.ID)
	if err != nil {
		t.Fatalf("GetCallHistoryByCustomer failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Transcript != "hello\nworld" || entries[0].CompletionScore != 21 {
		t.Fatalf("unexpected history: %+v", entries)
	}
}

func TestScheduledCallQueue(t *testing.T) {
	db := newTestDB(t)
	c := insertTestCustomer(t, db, "jordan@example.com", "+14155550123")
	now := time.Now().UTC()

	sc := ScheduledCall{ID: uuid.NewString(), CustomerID: c.ID, Stage: StageBrand, NotBefore: now.Add(-time.Minute)}
	inserted, err := EnqueueScheduledCall(db, sc)
	if err != nil || !inserted {
		t.Fatalf("EnqueueScheduledCall failed: %v inserted=%t", err, inserted)
	}

	// Second enqueue for the same (customer, stage) is a no-op.
	dup := ScheduledCall{ID: uuid.NewString(), CustomerID: c.ID, Stage: StageBrand, NotBefore: now}
	inserted, err = EnqueueScheduledCall(db, dup)
	if err != nil {
		t.Fatalf("duplicate enqueue errored: %v", err)
	}
	if inserted {
		t.Fatal("duplicate (customer, stage) should not enqueue")
	}

	due, err := DueScheduledCalls(db, now, 10)
	if err != nil {
		t.Fatalf("DueScheduledCalls failed: %v", err)
	}
	if len(due) != 1 || due[0].ID != sc.ID {
		t.Fatalf("unexpected due calls: %+v", due)
	}

	claimed, err := ClaimScheduledCall(db, sc.ID)
	if err != nil || !claimed {
		t.Fatalf("first claim failed: %v claimed=%t", err, claimed)
	}
	claimed, err = ClaimScheduledCall(db, sc.ID)
	if err != nil {
		t.Fatalf("second claim errored: %v", err)
	}
	if claimed {
		t.Fatal("a claimed call must not be claimable twice")
	}

	if err := RescheduleScheduledCall(db, sc.ID, now.Add(time.Hour), 1, "provider timeout"); err != nil {
		t.Fatalf("RescheduleScheduledCall failed: %v", err)
	}
	got, err := GetScheduledCall(db, sc.ID)
	if err != nil {
		t.Fatalf("GetScheduledCall failed: %v", err)
	}
	if got.Status != ScheduleStatusPending || got.Attempts != 1 || got.LastError != "provider timeout" {
		t.Fatalf("unexpected rescheduled row: %+v", got)
	}

	// A rescheduled call is no longer due until its new not-before time.
	due, err = DueScheduledCalls(db, now, 10)
	if err != nil {
		t.Fatalf("DueScheduledCalls failed: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("rescheduled call should not be due: %+v", due)
	}
}

func TestCancelPendingCalls(t *testing.T) {
	db := newTestDB(t)
	c := insertTestCustomer(t, db, "jordan@example.com", "")
	now := time.Now().UTC()

	for _, stage := range []int{StageBrand, StageOperations} {
		sc := ScheduledCall{ID: uuid.NewString(), CustomerID: c.ID, Stage: stage, NotBefore: now}
		if _, err := EnqueueScheduledCall(db, sc); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	n, err := CancelPendingCalls(db, c.ID)
	if err != nil {
		t.Fatalf("CancelPendingCalls failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 cancellations, got %d", n)
	}
	due, err := DueScheduledCalls(db, now.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("DueScheduledCalls failed: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("cancelled calls still due: %+v", due)
	}
}

func TestGetCustomerMissing(t *testing.T) {
	db := newTestDB(t)
	_, err := GetCustomerByEmail(db, "nobody@example.com")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}
