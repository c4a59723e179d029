// Package audit implements the append-only admission/approval audit trail
// (§7 supplemented feature): every StartAgent admission decision, plan
// approve/reject, and stop request is recorded to a JSONL file and to the
// durable audit_logs table, so a project's task history can be replayed
// after the fact. Grounded on the teacher's internal/audit package,
// repurposed from policy-capability auditing (allow/deny against an ACP
// capability) to task-lifecycle auditing (allow/deny/error against a task
// action), keeping its package-level JSONL-plus-db double-write and
// append-only-by-construction shape.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentdevsl/claudorc/internal/shared"
)

// Decision is the outcome of an audited action.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	DecisionError Decision = "error"
)

// Action names the task-lifecycle operation being audited.
type Action string

const (
	ActionAdmit   Action = "task.admit"   // StartAgent admission
	ActionApprove Action = "task.approve" // ApprovePlan
	ActionReject  Action = "task.reject"  // RejectPlan
	ActionStop    Action = "task.stop"    // StopAgent
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	TaskID    string `json:"task_id"`
	Reason    string `json:"reason"`
	TraceID   string `json:"trace_id,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
)

// Init opens homeDir/logs/audit.jsonl for appending. Calling Init again
// before Close is a no-op.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit_logs table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

// Close releases the JSONL file handle.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one audit entry for taskID's action. reason is redacted
// before persistence so a credential or token accidentally embedded in an
// error message never reaches disk.
func Record(ctx context.Context, decision Decision, action Action, taskID, reason string) {
	if decision == DecisionDeny {
		denyCount.Add(1)
	}
	reason = shared.Redact(reason)
	traceID := shared.TraceID(ctx)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Decision:  string(decision),
			Action:    string(action),
			TaskID:    taskID,
			Reason:    reason,
			TraceID:   traceID,
		}
		if b, err := json.Marshal(ev); err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_logs (trace_id, subject, action, decision, reason)
			VALUES (?, ?, ?, ?, ?);
		`, traceID, taskID, string(action), string(decision), reason)
	}
}
