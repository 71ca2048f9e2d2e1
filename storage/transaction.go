package storage

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/cronicle-edge/corectl/infrastructure/errors"
	"github.com/cronicle-edge/corectl/storage/engine"
)

// RawKV is the byte-level surface the list/hash/indexer abstractions use;
// satisfied by both *Storage directly and by an in-flight *Transaction, so
// compound operations work identically whether or not a transaction is
// already open on their path (spec.md §9 "cyclic references ... resolved
// by making the clone a thin struct holding a back-pointer").
type RawKV interface {
	PutRaw(ctx context.Context, key string, value []byte) error
	GetRaw(ctx context.Context, key string) ([]byte, error)
	DeleteRaw(ctx context.Context, key string) error
}

// logEntry is one rollback-image line in a transaction's WAL file.
type logEntry struct {
	Key      string `json:"key"`
	ValueB64 string `json:"value"`
	Existed  bool   `json:"existed"`
}

type logHeader struct {
	ID   uint64 `json:"id"`
	Path string `json:"path"`
	Log  string `json:"log"`
	Date int64  `json:"date"`
	PID  int    `json:"pid"`
}

// Transaction buffers writes to an arbitrary set of keys under begin/commit
// semantics scoped to a path P (spec.md §4.2 "Transactions").
type Transaction struct {
	id      uint64
	path    string
	storage *Storage
	unlockT Unlock

	mu      sync.Mutex
	written map[string][]byte
	deleted map[string]bool
	order   []string

	afterCommit []func()
}

var _ RawKV = (*Transaction)(nil)

// BeginTransaction acquires the T|path lock and returns a new Transaction.
func (s *Storage) BeginTransaction(ctx context.Context, path string) (*Transaction, error) {
	unlock, err := s.locks.AcquireExclusive(ctx, nsTransaction+path)
	if err != nil {
		return nil, err
	}
	id := atomic.AddUint64(&s.nextTxnID, 1)
	return &Transaction{
		id:      id,
		path:    path,
		storage: s,
		unlockT: unlock,
		written: make(map[string][]byte),
		deleted: make(map[string]bool),
	}, nil
}

func (t *Transaction) touch(key string) {
	for _, k := range t.order {
		if k == key {
			return
		}
	}
	t.order = append(t.order, key)
}

// PutRaw buffers value for key; visible to subsequent reads on this
// transaction but not to other readers until Commit.
func (t *Transaction) PutRaw(ctx context.Context, key string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.touch(key)
	delete(t.deleted, key)
	cp := append([]byte(nil), value...)
	t.written[key] = cp
	return nil
}

// GetRaw returns the transaction's buffered value for key if present,
// else falls through to the real engine (spec.md "within a transaction all
// writes are buffered in memory and all reads return the buffered value if
// present").
func (t *Transaction) GetRaw(ctx context.Context, key string) ([]byte, error) {
	t.mu.Lock()
	if t.deleted[key] {
		t.mu.Unlock()
		return nil, engine.NoSuchKey(key)
	}
	if v, ok := t.written[key]; ok {
		t.mu.Unlock()
		return v, nil
	}
	t.mu.Unlock()
	return t.storage.engine.Get(ctx, key)
}

// DeleteRaw buffers key's removal.
func (t *Transaction) DeleteRaw(ctx context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.touch(key)
	delete(t.written, key)
	t.deleted[key] = true
	return nil
}

// AfterCommit registers fn to run once Commit has fully succeeded,
// draining into the real queue (spec.md step 7 "drain
// pendingAfterCommitQueue to the real queue").
func (t *Transaction) AfterCommit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.afterCommit = append(t.afterCommit, fn)
}

func logPath(transDir string, id uint64) string {
	return filepath.Join(transDir, "logs", fmt.Sprintf("%d.log", id))
}

// Commit runs the write-ahead-log commit protocol of spec.md §4.2: acquire
// the commit lock, write a rollback-image log durably, apply the buffered
// writes/deletes, then (engine permitting) sync each touched key before
// unlinking the log.
func (t *Transaction) Commit(ctx context.Context) error {
	unlockC, err := t.storage.locks.AcquireExclusive(ctx, nsCommit+t.path)
	if err != nil {
		t.unlockT()
		return err
	}
	defer unlockC()
	defer t.unlockT()

	lp := logPath(t.storage.transDir, t.id)
	if err := os.MkdirAll(filepath.Dir(lp), 0o755); err != nil {
		return apperrors.IOError("mkdir-transdir", err)
	}

	f, err := os.OpenFile(lp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return apperrors.IOError("create-log", err)
	}

	header := logHeader{ID: t.id, Path: t.path, Log: lp, Date: time.Now().Unix(), PID: os.Getpid()}
	hb, _ := json.Marshal(header)
	if _, err := f.Write(append(hb, '\n')); err != nil {
		f.Close()
		os.Remove(lp)
		return apperrors.IOError("write-log-header", err)
	}

	w := bufio.NewWriter(f)
	for _, key := range t.order {
		cur, gerr := t.storage.engine.Get(ctx, key)
		entry := logEntry{Key: key}
		if gerr != nil {
			if !engine.IsNoSuchKey(gerr) {
				f.Close()
				os.Remove(lp)
				return apperrors.IOError("read-rollback-image", gerr)
			}
			entry.Existed = false
		} else {
			entry.Existed = true
			entry.ValueB64 = base64.StdEncoding.EncodeToString(cur)
		}
		eb, _ := json.Marshal(entry)
		if _, err := w.Write(append(eb, '\n')); err != nil {
			f.Close()
			os.Remove(lp)
			return apperrors.IOError("write-rollback-image", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return apperrors.IOError("flush-log", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return apperrors.IOError("fsync-log", err)
	}
	f.Close()
	if dir, derr := os.Open(filepath.Dir(lp)); derr == nil {
		dir.Sync()
		dir.Close()
	}

	t.mu.Lock()
	writes := make(map[string][]byte, len(t.written))
	for k, v := range t.written {
		writes[k] = v
	}
	deletes := make(map[string]bool, len(t.deleted))
	for k := range t.deleted {
		deletes[k] = true
	}
	t.mu.Unlock()

	for key, value := range writes {
		if err := t.storage.engine.Put(ctx, key, value); err != nil {
			return apperrors.Fatal("commit apply failed, rollback image left on disk", err)
		}
	}
	for key := range deletes {
		if err := t.storage.engine.Delete(ctx, key); err != nil && !engine.IsNoSuchKey(err) {
			return apperrors.Fatal("commit apply failed, rollback image left on disk", err)
		}
	}

	if syncer, ok := t.storage.engine.(engine.Syncer); ok {
		for key := range writes {
			_ = syncer.Sync(ctx, key)
		}
	}

	if err := os.Remove(lp); err != nil && !os.IsNotExist(err) {
		return apperrors.IOError("unlink-log", err)
	}

	for _, fn := range t.afterCommit {
		fn()
	}
	return nil
}

// Abort restores every key touched by the transaction to its pre-begin
// value by replaying the log file in order, then deletes the log.
// Rollback errors are fatal: the storage core must stop accepting writes.
func (t *Transaction) Abort(ctx context.Context) error {
	defer t.unlockT()
	lp := logPath(t.storage.transDir, t.id)
	if _, err := os.Stat(lp); os.IsNotExist(err) {
		return nil // never reached step 2, nothing to roll back
	}
	if err := replayAbort(ctx, t.storage.engine, lp); err != nil {
		return err
	}
	return os.Remove(lp)
}

// replayAbort restores every key recorded in the log file at lp, skipping
// the header line, per spec.md §4.2 "Abort protocol".
func replayAbort(ctx context.Context, eng engine.Engine, lp string) error {
	f, err := os.Open(lp)
	if err != nil {
		return apperrors.IOError("open-log-for-abort", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			continue // header
		}
		var entry logEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return apperrors.Fatal("corrupt transaction log during rollback", err)
		}
		if !entry.Existed {
			if err := eng.Delete(ctx, entry.Key); err != nil && !engine.IsNoSuchKey(err) {
				return apperrors.Fatal("rollback delete failed", err)
			}
			continue
		}
		value, err := base64.StdEncoding.DecodeString(entry.ValueB64)
		if err != nil {
			return apperrors.Fatal("corrupt rollback image", err)
		}
		if err := eng.Put(ctx, entry.Key, value); err != nil {
			return apperrors.Fatal("rollback put failed", err)
		}
	}
	return nil
}

// Recover replays abort for every transaction log file found in transDir,
// newest id first, then clears the directory. Logs with no readable
// header line (partial writes) are deleted without replay, per spec.md §9
// "Partial logs ... are deleted without replay to avoid corrupting
// known-good data".
func Recover(ctx context.Context, eng engine.Engine, transDir string) error {
	logsDir := filepath.Join(transDir, "logs")
	entries, err := os.ReadDir(logsDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return apperrors.IOError("read-logs-dir", err)
	}

	type logFile struct {
		id   uint64
		path string
	}
	var files []logFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		idStr := strings.TrimSuffix(e.Name(), ".log")
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		files = append(files, logFile{id: id, path: filepath.Join(logsDir, e.Name())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].id > files[j].id })

	for _, lf := range files {
		if !hasValidHeader(lf.path) {
			os.Remove(lf.path)
			continue
		}
		if err := replayAbort(ctx, eng, lf.path); err != nil {
			return err
		}
		os.Remove(lf.path)
	}
	return nil
}

func hasValidHeader(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return false
	}
	var h logHeader
	return json.Unmarshal(scanner.Bytes(), &h) == nil
}
