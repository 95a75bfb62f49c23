package main

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		id          TEXT PRIMARY KEY,
		email       TEXT NOT NULL DEFAULT '',
		phone       TEXT NOT NULL DEFAULT '',
		name        TEXT NOT NULL DEFAULT '',
		stage1_done INTEGER NOT NULL DEFAULT 0,
		stage2_done INTEGER NOT NULL DEFAULT 0,
		stage3_done INTEGER NOT NULL DEFAULT 0,
		stage4_done INTEGER NOT NULL DEFAULT 0,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_customers_email ON customers(email) WHERE email <> '';
	CREATE INDEX IF NOT EXISTS idx_customers_phone ON customers(phone);

	CREATE TABLE IF NOT EXISTS profile_fields (
		customer_id TEXT NOT NULL,
		field       TEXT NOT NULL,
		value       TEXT NOT NULL DEFAULT '',
		stage       INTEGER NOT NULL DEFAULT 0,
		confidence  REAL NOT NULL DEFAULT 0,
		updated_at  DATETIME NOT NULL,
		PRIMARY KEY (customer_id, field)
	);

	CREATE TABLE IF NOT EXISTS call_history (
		call_id          TEXT PRIMARY KEY,
		customer_id      TEXT NOT NULL DEFAULT '',
		stage            INTEGER NOT NULL,
		started_at       DATETIME NOT NULL,
		ended_at         DATETIME NOT NULL,
		end_reason       TEXT NOT NULL DEFAULT '',
		completion_score INTEGER NOT NULL DEFAULT 0,
		transcript       TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_call_history_customer ON call_history(customer_id);

	CREATE TABLE IF NOT EXISTS scheduled_calls (
		id          TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		stage       INTEGER NOT NULL,
		not_before  DATETIME NOT NULL,
		status      TEXT NOT NULL DEFAULT 'pending',
		attempts    INTEGER NOT NULL DEFAULT 0,
		last_error  TEXT NOT NULL DEFAULT '',
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_scheduled_status ON scheduled_calls(status, not_before);
	CREATE INDEX IF NOT EXISTS idx_scheduled_customer ON scheduled_calls(customer_id);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}
	return db, nil
}

// --- Customers ---

func InsertCustomer(db *sql.DB, c Customer) error {
	_, err := db.Exec(
		`INSERT INTO customers (id, email, phone, name, stage1_done, stage2_done, stage3_done, stage4_done)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Email, c.Phone, c.Name,
		boolInt(c.StageDone[0]), boolInt(c.StageDone[1]), boolInt(c.StageDone[2]), boolInt(c.StageDone[3]),
	)
	return err
}

const customerCols = `id, email, phone, name, stage1_done, stage2_done, stage3_done, stage4_done, created_at`

func scanCustomer(row *sql.Row) (Customer, error) {
	var c Customer
	var d1, d2, d3, d4 int
	err := row.Scan(&c.ID, &c.Email, &c.Phone, &c.Name, &d1, &d2, &d3, &d4, &c.CreatedAt)
	if err != nil {
		return Customer{}, err
	}
	c.StageDone = [4]bool{d1 != 0, d2 != 0, d3 != 0, d4 != 0}
	return c, nil
}

func GetCustomerByID(db *sql.DB, id string) (Customer, error) {
	return scanCustomer(db.QueryRow(`SELECT `+customerCols+` FROM customers WHERE id = ?`, id))
}

func GetCustomerByEmail(db *sql.DB, email string) (Customer, error) {
	return scanCustomer(db.QueryRow(`SELECT `+customerCols+` FROM customers WHERE email = ? COLLATE NOCASE`, email))
}

func GetCustomerByPhone(db *sql.DB, phone string) (Customer, error) {
	return scanCustomer(db.QueryRow(`SELECT `+customerCols+` FROM customers WHERE phone = ?`, phone))
}

// GetCustomerByPhoneSuffix is the fallback lookup for numbers stored without
// a consistent country prefix.
func GetCustomerByPhoneSuffix(db *sql.DB, suffix string) (Customer, error) {
	return scanCustomer(db.QueryRow(
		`SELECT `+customerCols+` FROM customers WHERE phone LIKE '%' || ? ORDER BY created_at LIMIT 1`,
		suffix,
	))
}

func UpdateCustomerContact(db *sql.DB, id, email, phone, name string) error {
	_, err := db.Exec(
		`UPDATE customers SET
		   email = CASE WHEN ? <> '' THEN ? ELSE email END,
		   phone = CASE WHEN ? <> '' THEN ? ELSE phone END,
		   name  = CASE WHEN ? <> '' THEN ? ELSE name END
		 WHERE id = ?`,
		email, email, phone, phone, name, name, id,
	)
	return err
}

func SetStageDone(db *sql.DB, id string, stage int) error {
	if stage < StageFoundation || stage > StageLaunch {
		return nil
	}
	cols := []string{"stage1_done", "stage2_done", "stage3_done", "stage4_done"}
	_, err := db.Exec(`UPDATE customers SET `+cols[stage-1]+` = 1 WHERE id = ?`, id)
	return err
}

// --- Truth table ---

func LoadTruthTable(db *sql.DB, customerID string) (TruthTable, error) {
	rows, err := db.Query(
		`SELECT field, value, stage, confidence, updated_at FROM profile_fields WHERE customer_id = ?`,
		customerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tt := make(TruthTable)
	for rows.Next() {
		var name string
		var fv FieldValue
		if err := rows.Scan(&name, &fv.Value, &fv.Stage, &fv.Confidence, &fv.UpdatedAt); err != nil {
			return nil, err
		}
		tt[name] = fv
	}
	return tt, rows.Err()
}

// SaveTruthTableFields persists the changed fields of a merged table in one
// transaction so a storage failure never leaves a partial merge behind.
func SaveTruthTableFields(db *sql.DB, customerID string, tt TruthTable, changed []string) error {
	if len(changed) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO profile_fields (customer_id, field, value, stage, confidence, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(customer_id, field) DO UPDATE SET
		   value = excluded.value, stage = excluded.stage,
		   confidence = excluded.confidence, updated_at = excluded.updated_at`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, name := range changed {
		fv, ok := tt[name]
		if !ok {
			continue
		}
		if _, err := stmt.Exec(customerID, name, fv.Value, fv.Stage, fv.Confidence, fv.UpdatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// --- Call history ---

func InsertCallHistory(db *sql.DB, e CallHistoryEntry) error {
	_, err := db.Exec(
		`INSERT INTO call_history (call_id, customer_id, stage, started_at, ended_at, end_reason, completion_score, transcript)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CallID, e.CustomerID, e.Stage, e.StartedAt, e.EndedAt, e.EndReason, e.CompletionScore, e.Transcript,
	)
	return err
}

func GetCallHistoryByCustomer(db *sql.DB, customerID string) ([]CallHistoryEntry, error) {
	rows, err := db.Query(
		`SELECT call_id, customer_id, stage, started_at, ended_at, end_reason, completion_score, transcript
		 FROM call_history WHERE customer_id = ? ORDER BY started_at, call_id`,
		customerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallHistoryEntry
	for rows.Next() {
		var e CallHistoryEntry
		if err := rows.Scan(&e.CallID, &e.CustomerID, &e.Stage, &e.StartedAt, &e.EndedAt,
			&e.EndReason, &e.CompletionScore, &e.Transcript); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Scheduled calls ---

// EnqueueScheduledCall inserts a pending trigger for (customer, stage)
// unless a live one already exists.
func EnqueueScheduledCall(db *sql.DB, sc ScheduledCall) (bool, error) {
	tx, err := db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRow(
		`SELECT COUNT(*) FROM scheduled_calls
		 WHERE customer_id = ? AND stage = ? AND status IN (?, ?)`,
		sc.CustomerID, sc.Stage, ScheduleStatusPending, ScheduleStatusClaimed,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}

	_, err = tx.Exec(
		`INSERT INTO scheduled_calls (id, customer_id, stage, not_before, status, attempts, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.CustomerID, sc.Stage, sc.NotBefore, ScheduleStatusPending, sc.Attempts, sc.LastError,
	)
	if err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func DueScheduledCalls(db *sql.DB, now time.Time, limit int) ([]ScheduledCall, error) {
	rows, err := db.Query(
		`SELECT id, customer_id, stage, not_before, status, attempts, last_error, created_at, updated_at
		 FROM scheduled_calls
		 WHERE status = ? AND not_before <= ?
		 ORDER BY not_before, id LIMIT ?`,
		ScheduleStatusPending, now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduledCall
	for rows.Next() {
		var sc ScheduledCall
		if err := rows.Scan(&sc.ID, &sc.CustomerID, &sc.Stage, &sc.NotBefore, &sc.Status,
			&sc.Attempts, &sc.LastError, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// ClaimScheduledCall flips one pending row to claimed. Returns false when
// another worker got there first.
func ClaimScheduledCall(db *sql.DB, id string) (bool, error) {
	res, err := db.Exec(
		`UPDATE scheduled_calls SET status = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
		ScheduleStatusClaimed, id, ScheduleStatusPending,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func CompleteScheduledCall(db *sql.DB, id string) error {
	_, err := db.Exec(
		`UPDATE scheduled_calls SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		ScheduleStatusDone, id,
	)
	return err
}

// RescheduleScheduledCall returns a claimed row to pending with a new
// not-before time after a transient trigger failure.
func RescheduleScheduledCall(db *sql.DB, id string, notBefore time.Time, attempts int, lastErr string) error {
	_, err := db.Exec(
		`UPDATE scheduled_calls
		 SET status = ?, not_before = ?, attempts = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		ScheduleStatusPending, notBefore, attempts, lastErr, id,
	)
	return err
}

func FailScheduledCall(db *sql.DB, id string, lastErr string) error {
	_, err := db.Exec(
		`UPDATE scheduled_calls SET status = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		ScheduleStatusFailed, lastErr, id,
	)
	return err
}

// CancelPendingCalls drops pending triggers for a customer; used when the
// customer calls in on their own before the follow-up fires.
func CancelPendingCalls(db *sql.DB, customerID string) (int, error) {
	res, err := db.Exec(
		`DELETE FROM scheduled_calls WHERE customer_id = ? AND status = ?`,
		customerID, ScheduleStatusPending,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func GetScheduledCall(db *sql.DB, id string) (ScheduledCall, error) {
	var sc ScheduledCall
	err := db.QueryRow(
		`SELECT id, customer_id, stage, not_before, status, attempts, last_error, created_at, updated_at
		 FROM scheduled_calls WHERE id = ?`,
		id,
	).Scan(&sc.ID, &sc.CustomerID, &sc.Stage, &sc.NotBefore, &sc.Status,
		&sc.Attempts, &sc.LastError, &sc.CreatedAt, &sc.UpdatedAt)
	return sc, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
