package journal

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/unitman/internal/registry"
	"github.com/ChuLiYu/unitman/pkg/unitapi"
)

// appendRequest is one pending Append call, batched with others between
// flushes so one fsync serves many events.
type appendRequest struct {
	event Event
	errCh chan error
}

// Journal is the manager's write-ahead event log: Append blocks until the
// event's batch has been fsynced, Replay reconstructs state after a
// restart, Rotate truncates the log right after a snapshot makes it
// redundant.
type Journal struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	path    string
	seq     uint64

	appendCh      chan appendRequest
	bufferSize    int
	flushInterval time.Duration
	closed        chan struct{}
	wg            sync.WaitGroup
	isClosed      bool
}

// Open creates or appends to the journal file at path, recovering the
// last sequence number from whatever events the file already holds.
func Open(path string, bufferSize int, flushInterval time.Duration) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: create directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Millisecond
	}

	var seq uint64
	if last, err := lastEvent(path); err == nil && last != nil {
		seq = last.Seq
	} else if err != nil && err != ErrEmpty {
		return nil, fmt.Errorf("journal: recover seq: %w", err)
	}

	j := &Journal{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		appendCh:      make(chan appendRequest, bufferSize*2),
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		closed:        make(chan struct{}),
	}
	j.wg.Add(1)
	go j.batchWriter()
	return j, nil
}

// Append appends an event, returning once its batch has been fsynced.
// jt/result are zero-valued by callers that don't carry a job (e.g.
// EventUnitChanged).
func (j *Journal) Append(typ EventType, unit registry.UnitID, jobID uint32, jt unitapi.JobType, result unitapi.JobResult) error {
	j.mu.Lock()
	if j.isClosed {
		j.mu.Unlock()
		return ErrClosed
	}
	j.seq++
	seq := j.seq
	j.mu.Unlock()

	ev := Event{
		Seq:       seq,
		Type:      typ,
		Unit:      unit,
		JobID:     jobID,
		JobType:   jt,
		Result:    result,
		Timestamp: time.Now().UnixMilli(),
	}
	ev.Checksum = checksum(ev)

	errCh := make(chan error, 1)
	select {
	case j.appendCh <- appendRequest{event: ev, errCh: errCh}:
		return <-errCh
	case <-j.closed:
		return ErrClosed
	}
}

func (j *Journal) batchWriter() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.flushInterval)
	defer ticker.Stop()

	batch := make([]appendRequest, 0, j.bufferSize)
	for {
		select {
		case req := <-j.appendCh:
			batch = append(batch, req)
			if len(batch) >= j.bufferSize {
				j.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				j.flushBatch(batch)
				batch = batch[:0]
			}
		case <-j.closed:
			if len(batch) > 0 {
				j.flushBatch(batch)
			}
			return
		}
	}
}

func (j *Journal) flushBatch(batch []appendRequest) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var flushErr error
	for i := range batch {
		if err := j.encoder.Encode(batch[i].event); err != nil {
			flushErr = fmt.Errorf("journal: encode: %w", err)
			break
		}
	}
	if flushErr == nil {
		if err := j.file.Sync(); err != nil {
			flushErr = fmt.Errorf("journal: sync: %w", err)
		}
	}
	for i := range batch {
		batch[i].errCh <- flushErr
		close(batch[i].errCh)
	}
}

// Replay reads every event from the start of the file, verifying
// checksums, and calls handler for each in order.
func (j *Journal) Replay(handler EventHandler) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.Open(j.path)
	if err != nil {
		return fmt.Errorf("journal: open for replay: %w", err)
	}
	defer file.Close()

	dec := json.NewDecoder(file)
	for {
		var ev Event
		if err := dec.Decode(&ev); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("journal: decode: %w", err)
		}
		if !verifyChecksum(ev) {
			return &ChecksumError{Seq: ev.Seq, Expected: checksum(ev), Actual: ev.Checksum}
		}
		if err := handler(&ev); err != nil {
			return err
		}
	}
	return nil
}

// Rotate closes the current file, renames it aside, and starts a fresh
// one with seq reset to 0 — called right after a snapshot commits, so the
// next replay only ever has to cover the window since the last snapshot.
func (j *Journal) Rotate() error {
	j.mu.Lock()
	if j.isClosed {
		j.mu.Unlock()
		return ErrClosed
	}
	j.isClosed = true
	j.mu.Unlock()

	close(j.closed)
	j.wg.Wait()

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Close(); err != nil {
		return fmt.Errorf("journal: close for rotate: %w", err)
	}
	backup := j.path + "." + time.Now().Format("20060102_150405")
	if err := os.Rename(j.path, backup); err != nil {
		return fmt.Errorf("journal: rename: %w", err)
	}
	newFile, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("journal: reopen after rotate: %w", err)
	}

	j.file = newFile
	j.encoder = json.NewEncoder(newFile)
	j.seq = 0
	j.closed = make(chan struct{})
	j.wg.Add(1)
	go j.batchWriter()
	j.isClosed = false
	return nil
}

// Close flushes any pending batch and closes the underlying file. The
// Journal must not be used afterward.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.isClosed {
		j.mu.Unlock()
		return nil
	}
	j.isClosed = true
	j.mu.Unlock()

	close(j.closed)
	j.wg.Wait()

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// LastSeq reports the current sequence counter.
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// lastEvent scans path from the start and returns its final event — the
// smallest journal a daemon restart sees is one since the last rotation,
// so a linear scan costs nothing a real deployment would notice.
func lastEvent(path string) (*Event, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrEmpty
		}
		return nil, err
	}
	defer file.Close()

	dec := json.NewDecoder(file)
	var last *Event
	for {
		var ev Event
		if err := dec.Decode(&ev); err == io.EOF {
			break
		} else if err != nil {
			return nil, &CorruptionError{Cause: err}
		}
		e := ev
		last = &e
	}
	if last == nil {
		return nil, ErrEmpty
	}
	return last, nil
}
