// Package audit records store operations in an append-only log with an HMAC
// chain for tamper detection.
//
// Records are JSON lines in monthly files (YYYY-MM.jsonl). Secret names are
// never written in the clear, only as an HMAC under the log key.
package audit

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	// MinAuditDiskSpace is the free space required before appending a record.
	MinAuditDiskSpace = 1024 * 1024

	KeyFileName   = "audit.key"
	StateFileName = "audit.meta"

	keySize = 32
	genesis = "genesis"
)

// Operation types
const (
	OpStoreLoad          = "store.load"
	OpStoreSave          = "store.save"
	OpStoreReload        = "store.reload"
	OpStoreReloadRefused = "store.reload_refused"

	OpSecretGet    = "secret.get"
	OpSecretSet    = "secret.set"
	OpSecretDelete = "secret.delete"
	OpSecretExport = "secret.export"
	OpSecretRun    = "secret.run"

	OpPassphraseSet    = "passphrase.set"
	OpPassphraseDelete = "passphrase.delete"

	OpPendingDecrypt = "pending.decrypt"
	OpPendingDiscard = "pending.discard"

	OpConfigSet = "config.set"
)

// Source identifies where the operation originated.
const (
	SourceCLI = "cli"
	SourceAPI = "api"
)

// Result values
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultDenied  = "denied"
)

var (
	ErrKeyNotSet = errors.New("audit: HMAC key not set")
	ErrKeyFile   = errors.New("audit: invalid key file")
)

// Event is a single audit record.
type Event struct {
	Version   int    `json:"v"`
	ID        string `json:"id"`
	Timestamp string `json:"ts"`

	Operation string `json:"op"`
	NameHMAC  string `json:"name_hmac,omitempty"`

	Source    string `json:"source"`
	SessionID string `json:"session_id"`

	Result string     `json:"result"`
	Error  *ErrorInfo `json:"error,omitempty"`

	Context map[string]string `json:"ctx,omitempty"`

	Chain Chain `json:"chain"`
}

// ErrorInfo contains error details.
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Chain links a record to its predecessor.
type Chain struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
	HMAC     string `json:"hmac"`
}

// Logger appends chained records to the log directory. It is safe for
// concurrent use.
type Logger struct {
	path       string
	hmacKey    []byte
	mu         sync.Mutex
	sequence   int64
	prevHash   string
	sessionID  string
	hmacKeySet bool
}

// NewLogger creates a logger for the directory at path. SetHMACKey must be
// called before records can be written.
func NewLogger(path string) *Logger {
	return &Logger{
		path:      path,
		prevHash:  genesis,
		sessionID: uuid.NewString(),
	}
}

// Open creates a logger for path, reading the log key from KeyFileName and
// creating it on first use.
func Open(path string) (*Logger, error) {
	l := NewLogger(path)

	key, err := loadOrCreateKey(filepath.Join(path, KeyFileName))
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	if err := l.SetHMACKey(key); err != nil {
		return nil, err
	}
	return l, nil
}

func loadOrCreateKey(keyPath string) ([]byte, error) {
	key, err := os.ReadFile(keyPath)
	if err == nil {
		if len(key) != keySize {
			return nil, fmt.Errorf("%w: %s has %d bytes", ErrKeyFile, keyPath, len(key))
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("audit: failed to read key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("audit: failed to create directory: %w", err)
	}
	key = make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("audit: failed to generate key: %w", err)
	}
	// O_EXCL: never replace a key that signed existing records
	f, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to create key: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(key); err != nil {
		return nil, fmt.Errorf("audit: failed to write key: %w", err)
	}
	return key, nil
}

// SetHMACKey derives the HMAC key from masterKey using HKDF-SHA256 and
// resumes the chain stored in the log directory.
func (l *Logger) SetHMACKey(masterKey []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := hkdf.New(sha256.New, masterKey, nil, []byte("secstore-audit-v1"))
	l.hmacKey = make([]byte, keySize)
	if _, err := r.Read(l.hmacKey); err != nil {
		return fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}
	l.hmacKeySet = true

	if err := l.loadChainState(); err != nil {
		// First run
		l.sequence = 0
		l.prevHash = genesis
	}
	return nil
}

// Path returns the log directory.
func (l *Logger) Path() string {
	return l.path
}

// SessionID identifies this process in every record it writes.
func (l *Logger) SessionID() string {
	return l.sessionID
}

// Log records an event. name is the secret the operation touched, empty if
// none.
func (l *Logger) Log(op, source, result, name string, errInfo *ErrorInfo, ctx map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.hmacKeySet {
		return ErrKeyNotSet
	}

	if err := os.MkdirAll(l.path, 0700); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}
	if err := l.checkDiskSpace(); err != nil {
		return err
	}

	now := time.Now().UTC()
	event := Event{
		Version:   1,
		ID:        newEventID(),
		Timestamp: now.Format(time.RFC3339Nano),
		Operation: op,
		Source:    source,
		SessionID: l.sessionID,
		Result:    result,
		Error:     errInfo,
		Context:   ctx,
	}
	if name != "" {
		event.NameHMAC = l.NameHMAC(name)
	}

	l.sequence++
	event.Chain.Sequence = l.sequence
	event.Chain.PrevHash = l.prevHash
	event.Chain.HMAC = l.sign(&event)

	if err := l.writeEvent(&event, now); err != nil {
		l.sequence--
		return err
	}
	l.prevHash = event.Chain.HMAC

	return l.saveChainState()
}

// LogSuccess records a successful operation.
func (l *Logger) LogSuccess(op, source, name string) error {
	return l.Log(op, source, ResultSuccess, name, nil, nil)
}

// LogError records a failed operation.
func (l *Logger) LogError(op, source, name, code, msg string) error {
	return l.Log(op, source, ResultError, name, &ErrorInfo{Code: code, Message: msg}, nil)
}

// LogDenied records an operation refused to prevent data loss.
func (l *Logger) LogDenied(op, source, name, reason string) error {
	return l.Log(op, source, ResultDenied, name, nil, map[string]string{"reason": reason})
}

// NameHMAC returns the value recorded for a secret name, so callers can
// search the log for a name they know.
func (l *Logger) NameHMAC(name string) string {
	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write([]byte(name))
	return hex.EncodeToString(mac.Sum(nil))
}

func (l *Logger) sign(event *Event) string {
	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write(recordData(event))
	return hex.EncodeToString(mac.Sum(nil))
}

// recordData serializes every field except the record's own HMAC.
func recordData(event *Event) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%d|%s|%s|%s|%s|%s|%s|%s|",
		event.Version, event.ID, event.Timestamp, event.Operation,
		event.NameHMAC, event.Source, event.SessionID, event.Result)

	if event.Error != nil {
		fmt.Fprintf(&b, "%s|%s", event.Error.Code, event.Error.Message)
	}
	b.WriteByte('|')

	keys := make([]string, 0, len(event.Context))
	for k := range event.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s|", k, event.Context[k])
	}

	fmt.Fprintf(&b, "%d|%s", event.Chain.Sequence, event.Chain.PrevHash)
	return []byte(b.String())
}

func (l *Logger) writeEvent(event *Event, now time.Time) error {
	name := filepath.Join(l.path, now.Format("2006-01")+".jsonl")
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	return nil
}

// chainState is persisted so a new process continues the chain.
type chainState struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
}

func (l *Logger) loadChainState() error {
	data, err := os.ReadFile(filepath.Join(l.path, StateFileName))
	if err != nil {
		return err
	}
	var state chainState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	l.sequence = state.Sequence
	l.prevHash = state.PrevHash
	return nil
}

func (l *Logger) saveChainState() error {
	data, err := json.Marshal(chainState{Sequence: l.sequence, PrevHash: l.prevHash})
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.path, StateFileName), data, 0600); err != nil {
		return fmt.Errorf("audit: failed to save chain state: %w", err)
	}
	return nil
}

// newEventID returns a time-ordered UUID, falling back to a random one.
func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// VerifyResult contains the results of chain verification.
type VerifyResult struct {
	Valid           bool     `json:"valid"`
	RecordsTotal    int      `json:"records_total"`
	RecordsVerified int      `json:"records_verified"`
	Errors          []string `json:"errors,omitempty"`
}

// Verify checks sequence numbers, chain links and record HMACs across all
// log files.
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.hmacKeySet {
		return nil, ErrKeyNotSet
	}

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true}
	expectedPrev := genesis
	var expectedSeq int64 = 1

	for i := range events {
		event := &events[i]
		result.RecordsTotal++
		ok := true

		if event.Chain.Sequence != expectedSeq {
			ok = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"sequence gap at record %s: expected %d, got %d",
				event.ID, expectedSeq, event.Chain.Sequence))
		}
		if event.Chain.PrevHash != expectedPrev {
			ok = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"chain broken at record %s", event.ID))
		}
		if !hmac.Equal([]byte(event.Chain.HMAC), []byte(l.sign(event))) {
			ok = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"HMAC mismatch at record %s: possible tampering", event.ID))
		}

		if ok {
			result.RecordsVerified++
		} else {
			result.Valid = false
		}
		expectedPrev = event.Chain.HMAC
		expectedSeq = event.Chain.Sequence + 1
	}

	return result, nil
}

// ListEvents returns the most recent limit events (0 = all) recorded after
// since (zero = no filter).
func (l *Logger) ListEvents(limit int, since time.Time) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	if !since.IsZero() {
		filtered := events[:0]
		for _, event := range events {
			ts, err := time.Parse(time.RFC3339Nano, event.Timestamp)
			if err != nil {
				continue
			}
			if ts.After(since) {
				filtered = append(filtered, event)
			}
		}
		events = filtered
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// readAll reads every log file in chronological order.
func (l *Logger) readAll() ([]Event, error) {
	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	sort.Strings(files)

	var events []Event
	for _, file := range files {
		fileEvents, err := readLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}
		events = append(events, fileEvents...)
	}
	return events, nil
}

func readLogFile(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var events []Event
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("failed to parse line: %w", err)
		}
		events = append(events, event)
	}
	return events, scanner.Err()
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
