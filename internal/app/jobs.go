package app

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"blueprint-backend/internal/infrastructure/database"
	"blueprint-backend/internal/infrastructure/queue"

	"github.com/jmoiron/sqlx"
)

// Built-in job names.
const (
	JobPing  = "system.ping"
	JobAudit = "system.audit"
)

// PingResult is returned by system.ping.
type PingResult struct {
	Pong bool            `json:"pong"`
	PID  int             `json:"pid"`
	At   time.Time       `json:"at"`
	Echo json.RawMessage `json:"echo,omitempty"`
}

// PingHandler answers with the worker pid and echoes the payload.
func PingHandler(_ context.Context, job *queue.Job) (any, error) {
	res := PingResult{Pong: true, PID: os.Getpid(), At: time.Now().UTC()}
	if len(job.Data) > 0 && string(job.Data) != "null" {
		res.Echo = job.Data
	}
	return res, nil
}

// AuditEntry is the payload of system.audit.
type AuditEntry struct {
	Action string          `json:"action"`
	Actor  string          `json:"actor"`
	Detail json.RawMessage `json:"detail,omitempty"`
}

const insertAudit = `INSERT INTO audit_log (job_id, action, actor, detail, created_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id`

var errNoDatabase = errors.New("database is not configured")

// AuditHandler writes one audit_log row per job inside a retried
// transaction. db may be nil, in which case every audit job fails.
func AuditHandler(db database.TxBeginner, policy database.RetryPolicy) queue.Handler {
	return func(ctx context.Context, job *queue.Job) (any, error) {
		if db == nil {
			return nil, errNoDatabase
		}

		var entry AuditEntry
		if err := json.Unmarshal(job.Data, &entry); err != nil {
			return nil, err
		}
		if entry.Action == "" {
			return nil, errors.New("audit action is required")
		}
		detail := []byte("{}")
		if len(entry.Detail) > 0 {
			detail = entry.Detail
		}

		id, err := database.WithTx(ctx, db, policy, func(ctx context.Context, tx *sqlx.Tx) (int64, error) {
			var id int64
			err := tx.QueryRowxContext(ctx, insertAudit, job.ID, entry.Action, entry.Actor, detail, time.Now().UTC()).Scan(&id)
			return id, err
		})
		if err != nil {
			return nil, err
		}
		return map[string]int64{"auditId": id}, nil
	}
}
