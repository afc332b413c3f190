// Package audit implements the append-only, hash-chained audit log
// (spec.md §4.E). Every append acquires the cross-process file lock,
// reads the current tail to derive prev_hash, builds a canonical record,
// and writes exactly one newline-terminated JSON line.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/atlas-gate/gatekernel/pkg/canonicalize"
	"github.com/atlas-gate/gatekernel/pkg/errs"
	"github.com/atlas-gate/gatekernel/pkg/filelock"
)

// Genesis is the literal predecessor hash of the first record in a log.
const Genesis = "GENESIS"

// Result classifies the outcome of a mediated operation.
type Result string

const (
	ResultOK      Result = "ok"
	ResultError   Result = "error"
	ResultBlocked Result = "blocked"
)

// Record is one audit entry. EntryHash is computed over every other
// field and is never supplied by the caller.
type Record struct {
	Seq          uint64    `json:"seq"`
	Timestamp    time.Time `json:"ts"`
	SessionID    string    `json:"session_id"`
	Role         string    `json:"role"`
	Tool         string    `json:"tool"`
	Type         string    `json:"type"`
	PlanHash     string    `json:"plan_hash,omitempty"`
	PhaseID      string    `json:"phase_id,omitempty"`
	ArgsHash     string    `json:"args_hash,omitempty"`
	Result       Result    `json:"result"`
	ErrorCode    string    `json:"error_code,omitempty"`
	InvariantID  string    `json:"invariant_id,omitempty"`
	ResultHash   string    `json:"result_hash,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	PrevHash     string    `json:"prev_hash"`
	EntryHash    string    `json:"entry_hash"`
}

// AppendInput is the caller-provided portion of a record; Seq, Timestamp,
// PrevHash, and EntryHash are derived by Append.
type AppendInput struct {
	SessionID   string
	Role        string
	Tool        string
	Type        string
	PlanHash    string
	PhaseID     string
	ArgsHash    string
	Result      Result
	ErrorCode   string
	InvariantID string
	ResultHash  string
	Notes       string
}

// Log mediates append and read access to one workspace's audit-log.jsonl.
type Log struct {
	logPath  string
	lockPath string
	retryMS  time.Duration
	maxTries int
	now      func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the time source; used in tests for deterministic
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithRetry overrides the lock retry interval/max-tries.
func WithRetry(interval time.Duration, maxTries int) Option {
	return func(l *Log) { l.retryMS = interval; l.maxTries = maxTries }
}

// New constructs a Log bound to logPath (audit-log.jsonl) and lockPath
// (the audit.lock directory).
func New(logPath, lockPath string, opts ...Option) *Log {
	l := &Log{
		logPath:  logPath,
		lockPath: lockPath,
		retryMS:  20 * time.Millisecond,
		maxTries: 50,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// hashableRecord excludes EntryHash; entry_hash = SHA-256(canonical(this)).
type hashableRecord struct {
	Seq         uint64 `json:"seq"`
	Timestamp   string `json:"ts"`
	SessionID   string `json:"session_id"`
	Role        string `json:"role"`
	Tool        string `json:"tool"`
	Type        string `json:"type"`
	PlanHash    string `json:"plan_hash,omitempty"`
	PhaseID     string `json:"phase_id,omitempty"`
	ArgsHash    string `json:"args_hash,omitempty"`
	Result      Result `json:"result"`
	ErrorCode   string `json:"error_code,omitempty"`
	InvariantID string `json:"invariant_id,omitempty"`
	ResultHash  string `json:"result_hash,omitempty"`
	Notes       string `json:"notes,omitempty"`
	PrevHash    string `json:"prev_hash"`
}

func toHashable(r Record) hashableRecord {
	return hashableRecord{
		Seq: r.Seq, Timestamp: r.Timestamp.Format(time.RFC3339Nano), SessionID: r.SessionID,
		Role: r.Role, Tool: r.Tool, Type: r.Type, PlanHash: r.PlanHash, PhaseID: r.PhaseID,
		ArgsHash: r.ArgsHash, Result: r.Result, ErrorCode: r.ErrorCode, InvariantID: r.InvariantID,
		ResultHash: r.ResultHash, Notes: r.Notes, PrevHash: r.PrevHash,
	}
}

func entryHash(r Record) (string, error) {
	return canonicalize.CanonicalHash(toHashable(r))
}

// readTail parses the last non-empty line of the log as the tail record,
// or returns nil if the log is empty/absent. If that line is malformed it
// returns an error, so Append never silently chains off corrupted state.
func readTail(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lastLine string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lastLine = line
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if lastLine == "" {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal([]byte(lastLine), &rec); err != nil {
		return nil, fmt.Errorf("audit: tail line is not valid JSON: %w", err)
	}
	return &rec, nil
}

// Append acquires the audit lock, derives prev_hash/seq from the current
// tail, computes entry_hash, and writes the record as one line. The lock
// directory's parent is created if missing. A failure to take the lock is
// a classified LOCK_ACQUISITION_FAILED error; any other filesystem failure
// is a classified AUDIT_APPEND_FAILED error.
func (l *Log) Append(in AppendInput) (*Record, error) {
	if err := os.MkdirAll(filepath.Dir(l.lockPath), 0o755); err != nil {
		return nil, errs.Wrap(errs.CodeAuditLockFailed, "failed to create audit lock parent directory", err)
	}
	lock, err := filelock.Acquire(l.lockPath, l.retryMS, l.maxTries)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	tail, err := readTail(l.logPath)
	if err != nil {
		return nil, errs.Wrap(errs.CodeAuditAppendFailed, "failed to read audit log tail", err)
	}

	prevHash := Genesis
	seq := uint64(1)
	if tail != nil {
		prevHash = tail.EntryHash
		seq = tail.Seq + 1
	}

	rec := Record{
		Seq: seq, Timestamp: l.now(), SessionID: in.SessionID, Role: in.Role, Tool: in.Tool,
		Type: in.Type, PlanHash: in.PlanHash, PhaseID: in.PhaseID, ArgsHash: in.ArgsHash,
		Result: in.Result, ErrorCode: in.ErrorCode, InvariantID: in.InvariantID,
		ResultHash: in.ResultHash, Notes: in.Notes, PrevHash: prevHash,
	}
	hash, err := entryHash(rec)
	if err != nil {
		return nil, errs.Wrap(errs.CodeAuditAppendFailed, "failed to compute entry hash", err)
	}
	rec.EntryHash = hash

	line, err := json.Marshal(rec)
	if err != nil {
		return nil, errs.Wrap(errs.CodeAuditAppendFailed, "failed to marshal audit record", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(l.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.CodeAuditAppendFailed, "failed to open audit log for append", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return nil, errs.Wrap(errs.CodeAuditAppendFailed, "failed to write audit record", err)
	}
	return &rec, nil
}

// ReadAll loads every well-formed record in the log in file order.
// Malformed lines are reported via malformed (1-indexed line numbers)
// rather than aborting the read, matching the Replay Engine's
// do-not-halt-the-walk requirement (spec.md §4.M step 2).
func ReadAll(path string) (records []Record, malformed []int, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			malformed = append(malformed, lineNo)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return records, malformed, nil
}

// TamperFinding names one category of chain violation found by VerifyChain.
type TamperFinding struct {
	Code string
	Seq  uint64
	Detail string
}

// ChainReport is the outcome of VerifyChain.
type ChainReport struct {
	Valid    bool
	Findings []TamperFinding
}

// VerifyChain walks the log, recomputing each entry's hash and checking
// prev_hash linkage and seq monotonicity. It never stops at the first
// violation: all findings are accumulated so a tampered record is
// isolated rather than masking everything after it.
func VerifyChain(path string) (*ChainReport, error) {
	records, malformed, err := ReadAll(path)
	if err != nil {
		return nil, errs.Wrap(errs.CodeTamperDetected, "failed to read audit log", err)
	}

	report := &ChainReport{Valid: true}
	for _, lineNo := range malformed {
		report.Valid = false
		report.Findings = append(report.Findings, TamperFinding{
			Code: "TAMPER_DETECTED_INVALID_JSON", Detail: fmt.Sprintf("line %d is not valid JSON", lineNo),
		})
	}

	expectedPrev := Genesis
	expectedSeq := uint64(1)
	for _, rec := range records {
		if rec.Seq != expectedSeq {
			report.Valid = false
			report.Findings = append(report.Findings, TamperFinding{
				Code: "TAMPER_DETECTED_SEQ_GAP", Seq: rec.Seq,
				Detail: fmt.Sprintf("expected seq %d, got %d", expectedSeq, rec.Seq),
			})
		}
		if rec.PrevHash != expectedPrev {
			report.Valid = false
			report.Findings = append(report.Findings, TamperFinding{
				Code: "TAMPER_DETECTED_BROKEN_HASH_CHAIN", Seq: rec.Seq,
				Detail: fmt.Sprintf("prev_hash %s does not match predecessor entry_hash %s", rec.PrevHash, expectedPrev),
			})
		}
		recomputed, hashErr := entryHash(rec)
		if hashErr != nil || recomputed != rec.EntryHash {
			report.Valid = false
			report.Findings = append(report.Findings, TamperFinding{
				Code: "TAMPER_DETECTED_RECOMPUTATION_MISMATCH", Seq: rec.Seq,
				Detail: "recomputed entry_hash does not match stored entry_hash",
			})
		}
		expectedPrev = rec.EntryHash
		expectedSeq = rec.Seq + 1
	}
	return report, nil
}

// Filter narrows ReadAll results by phase, tool, or sequence range.
type Filter struct {
	PhaseID  string
	Tool     string
	SeqStart uint64
	SeqEnd   uint64
}

// Matches reports whether rec satisfies the filter.
func (fl Filter) Matches(rec Record) bool {
	if fl.PhaseID != "" && rec.PhaseID != fl.PhaseID {
		return false
	}
	if fl.Tool != "" && rec.Tool != fl.Tool {
		return false
	}
	if fl.SeqStart != 0 && rec.Seq < fl.SeqStart {
		return false
	}
	if fl.SeqEnd != 0 && rec.Seq > fl.SeqEnd {
		return false
	}
	return true
}
