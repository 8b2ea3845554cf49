package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"storyreel/internal/retry"

	_ "modernc.org/sqlite"
)

// Reservation states. A hold moves reserved -> completed | failed, and a
// completed settlement may later be refunded.
const (
	StatusReserved  = "reserved"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusRefunded  = "refunded"
)

var (
	// ErrNotFound is returned when no reservation exists for a key.
	ErrNotFound = errors.New("reservation not found")
	// ErrNotRefundable is returned when a refund targets a reservation
	// that is not in the completed state.
	ErrNotRefundable = errors.New("reservation is not refundable")
	// ErrAlreadySettled is returned when settling a non-reserved hold.
	ErrAlreadySettled = errors.New("reservation already settled")
)

// InsufficientCreditsError reports a failed hold with the amounts involved.
type InsufficientCreditsError struct {
	Required  int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

// Reservation is a durable credit hold identified by its idempotency key.
type Reservation struct {
	Key       string    `json:"key"`
	UserID    string    `json:"user_id"`
	Operation string    `json:"operation"`
	JobID     string    `json:"job_id"`
	Credits   int       `json:"credits"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	SettledAt time.Time `json:"settled_at,omitempty"`
}

// Ledger wraps the billing store. The store, not the callers, enforces
// atomicity; every mutation runs in a transaction and transient write
// conflicts are retried up to 3 times with exponential backoff.
type Ledger struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS balances (
	user_id TEXT PRIMARY KEY,
	credits INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS reservations (
	key TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	job_id TEXT NOT NULL,
	credits INTEGER NOT NULL,
	status TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	settled_at TIMESTAMP
);
`

// Open opens (and migrates) the ledger database at path.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger db: %w", err)
	}
	// SQLite allows one writer; serialize through a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate ledger db: %w", err)
	}

	slog.Info("Credit ledger opened", "path", path)
	return &Ledger{db: db}, nil
}

// IdempotencyKey derives the reservation key for (user, operation, job).
func IdempotencyKey(userID, operation, jobID string) string {
	sum := sha256.Sum256([]byte(userID + "|" + operation + "|" + jobID))
	return hex.EncodeToString(sum[:])
}

// Grant adds credits to a user's balance.
func (l *Ledger) Grant(ctx context.Context, userID string, credits int) error {
	return l.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO balances (user_id, credits) VALUES (?, ?)
			ON CONFLICT(user_id) DO UPDATE SET credits = credits + excluded.credits`,
			userID, credits)
		return err
	})
}

// Balance returns a user's available credits.
func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	var credits int
	err := l.db.QueryRowContext(ctx,
		`SELECT credits FROM balances WHERE user_id = ?`, userID).Scan(&credits)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return credits, nil
}

// Reserve places a hold of credits for (user, operation, job). Repeated
// calls with the same derived key are a no-op returning the original
// reservation. Fails with InsufficientCreditsError when the available
// balance cannot cover the hold.
func (l *Ledger) Reserve(ctx context.Context, userID, operation, jobID string, credits int) (*Reservation, error) {
	key := IdempotencyKey(userID, operation, jobID)
	var out *Reservation

	err := l.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getReservation(ctx, tx, key)
		if err == nil {
			out = existing
			return nil
		}
		if err != ErrNotFound {
			return err
		}

		var available int
		err = tx.QueryRowContext(ctx,
			`SELECT credits FROM balances WHERE user_id = ?`, userID).Scan(&available)
		if err == sql.ErrNoRows {
			available = 0
		} else if err != nil {
			return fmt.Errorf("failed to read balance: %w", err)
		}
		if available < credits {
			return &InsufficientCreditsError{Required: credits, Available: available}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE balances SET credits = credits - ? WHERE user_id = ?`,
			credits, userID); err != nil {
			return fmt.Errorf("failed to hold credits: %w", err)
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reservations (key, user_id, operation, job_id, credits, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			key, userID, operation, jobID, credits, StatusReserved, now); err != nil {
			return fmt.Errorf("failed to insert reservation: %w", err)
		}

		out = &Reservation{
			Key: key, UserID: userID, Operation: operation, JobID: jobID,
			Credits: credits, Status: StatusReserved, CreatedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Credits reserved", "key", key, "user_id", userID, "credits", out.Credits, "status", out.Status)
	return out, nil
}

// Settle resolves a hold. StatusCompleted converts the hold to a debit;
// StatusFailed releases it without charging. Settling an already-settled
// reservation with the same status is a no-op.
func (l *Ledger) Settle(ctx context.Context, key, status, errMsg string) error {
	if status != StatusCompleted && status != StatusFailed {
		return fmt.Errorf("invalid settle status %q", status)
	}

	return l.withTx(ctx, func(tx *sql.Tx) error {
		r, err := getReservation(ctx, tx, key)
		if err != nil {
			return err
		}
		if r.Status == status {
			return nil // idempotent re-settle
		}
		if r.Status != StatusReserved {
			return fmt.Errorf("%w: status is %s", ErrAlreadySettled, r.Status)
		}

		if status == StatusFailed {
			// Release the hold without charging
			if _, err := tx.ExecContext(ctx,
				`UPDATE balances SET credits = credits + ? WHERE user_id = ?`,
				r.Credits, r.UserID); err != nil {
				return fmt.Errorf("failed to release hold: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE reservations SET status = ?, reason = ?, settled_at = ? WHERE key = ?`,
			status, errMsg, time.Now().UTC(), key); err != nil {
			return fmt.Errorf("failed to settle reservation: %w", err)
		}

		slog.Info("Reservation settled", "key", key, "status", status)
		return nil
	})
}

// Refund reverses a previously completed settlement. Forbidden when the
// reservation is not completed or has already been refunded.
func (l *Ledger) Refund(ctx context.Context, key, reason string) error {
	return l.withTx(ctx, func(tx *sql.Tx) error {
		r, err := getReservation(ctx, tx, key)
		if err != nil {
			return err
		}
		if r.Status != StatusCompleted {
			return fmt.Errorf("%w: status is %s", ErrNotRefundable, r.Status)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE balances SET credits = credits + ? WHERE user_id = ?`,
			r.Credits, r.UserID); err != nil {
			return fmt.Errorf("failed to refund credits: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE reservations SET status = ?, reason = ?, settled_at = ? WHERE key = ?`,
			StatusRefunded, reason, time.Now().UTC(), key); err != nil {
			return fmt.Errorf("failed to mark refund: %w", err)
		}

		slog.Info("Reservation refunded", "key", key, "reason", reason)
		return nil
	})
}

// Get returns the reservation for a key.
func (l *Ledger) Get(ctx context.Context, key string) (*Reservation, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return getReservation(ctx, tx, key)
}

// Close closes the underlying database.
func (l *Ledger) Close() error { return l.db.Close() }

func getReservation(ctx context.Context, tx *sql.Tx, key string) (*Reservation, error) {
	var r Reservation
	var settledAt sql.NullTime
	err := tx.QueryRowContext(ctx, `
		SELECT key, user_id, operation, job_id, credits, status, reason, created_at, settled_at
		FROM reservations WHERE key = ?`, key).
		Scan(&r.Key, &r.UserID, &r.Operation, &r.JobID, &r.Credits, &r.Status, &r.Reason, &r.CreatedAt, &settledAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read reservation: %w", err)
	}
	if settledAt.Valid {
		r.SettledAt = settledAt.Time
	}
	return &r, nil
}

func (l *Ledger) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retry.Do(ctx, 3, time.Second, isBusy, func() error {
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// isBusy reports whether a sqlite error is a transient lock conflict
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}
