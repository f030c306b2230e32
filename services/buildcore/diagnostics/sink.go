// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diagnostics

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianBuild/services/buildcore/rulekey"
)

const (
	// DefaultMaxKeys is the number of records buffered before a flush.
	DefaultMaxKeys = 100_000

	// DefaultMaxBytes is the buffered key log size that triggers a flush.
	DefaultMaxBytes = 10 << 20

	// DefaultKeyLogName is the key log file name inside the sink directory.
	DefaultKeyLogName = "rule_key_diag_keys.txt"

	// DefaultGraphDumpName is the graph dump file name.
	DefaultGraphDumpName = "rule_key_diag_graph.txt"
)

// Option configures a Sink.
type Option func(*Sink)

// WithMaxKeys sets the record count that triggers a flush.
func WithMaxKeys(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.maxKeys = n
		}
	}
}

// WithMaxBytes sets the buffered size that triggers a flush.
func WithMaxBytes(n int64) Option {
	return func(s *Sink) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithUploader hands finished artifacts to u at Close, under prefix.
func WithUploader(u Uploader, prefix string) Option {
	return func(s *Sink) {
		s.uploader = u
		s.uploadPrefix = prefix
	}
}

// WithFileNames overrides the artifact file names.
func WithFileNames(keyLog, graphDump string) Option {
	return func(s *Sink) {
		if keyLog != "" {
			s.keyLogName = keyLog
		}
		if graphDump != "" {
			s.graphDumpName = graphDump
		}
	}
}

// WithLogger sets the logger for swallowed failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) {
		if l != nil {
			s.logger = l
		}
	}
}

type record struct {
	line string
}

// buffer is one generation of buffered records.
//
// Producers reserve slots with n and hold refs while writing. Once sealed,
// no new producer enters; the flusher waits for refs to drain before
// reading slots.
type buffer struct {
	slots  []record
	n      atomic.Int64
	bytes  atomic.Int64
	refs   atomic.Int64
	sealed atomic.Bool
}

func newBuffer(capacity int) *buffer {
	return &buffer{slots: make([]record, capacity)}
}

type nodeRecord struct {
	info NodeInfo
	deps []string
	next *nodeRecord
}

// Sink collects rule key diagnostics for one build.
//
// Description:
//
//	RecordKey appends to the live buffer without locks. When the buffer
//	reaches MaxKeys records or MaxBytes of text, the producer that crossed
//	the threshold swaps in an empty buffer and a background goroutine
//	appends the old one to the key log. RecordNode pushes onto a lock-free
//	list that is turned into the graph dump at Close.
//
// Thread Safety: RecordKey, RecordNode and Flush are safe for concurrent
// use. Close is safe to call more than once.
type Sink struct {
	dir           string
	keyLogName    string
	graphDumpName string
	maxKeys       int
	maxBytes      int64
	uploader      Uploader
	uploadPrefix  string
	logger        *slog.Logger

	current  atomic.Pointer[buffer]
	nodes    atomic.Pointer[nodeRecord]
	closed   atomic.Bool
	inflight atomic.Int64

	writeMu sync.Mutex
	keyLog  io.WriteCloser
	flushes sync.WaitGroup

	written  atomic.Int64
	dropped  atomic.Int64
	failures atomic.Int64
	logLimit rate.Sometimes

	closeOnce sync.Once
	result    CloseResult
}

// NewSink creates dir if needed and opens the key log for appending.
func NewSink(dir string, opts ...Option) (*Sink, error) {
	if dir == "" {
		return nil, ErrEmptyDir
	}
	s := &Sink{
		dir:           dir,
		keyLogName:    DefaultKeyLogName,
		graphDumpName: DefaultGraphDumpName,
		maxKeys:       DefaultMaxKeys,
		maxBytes:      DefaultMaxBytes,
		logger:        slog.Default(),
		logLimit:      rate.Sometimes{First: 5, Interval: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create diagnostics directory: %w", err)
	}
	f, err := os.OpenFile(s.KeyLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open key log: %w", err)
	}
	s.keyLog = f
	s.current.Store(newBuffer(s.maxKeys))
	return s, nil
}

// KeyLogPath returns the path of the key log.
func (s *Sink) KeyLogPath() string {
	return filepath.Join(s.dir, s.keyLogName)
}

// GraphDumpPath returns the path the graph dump is written to at Close.
func (s *Sink) GraphDumpPath() string {
	return filepath.Join(s.dir, s.graphDumpName)
}

// RecordKey appends a key log record. Records offered after Close has
// begun are counted as dropped.
func (s *Sink) RecordKey(key rulekey.RuleKey, diagnosticKey string) {
	s.inflight.Add(1)
	defer s.inflight.Add(-1)

	rec := record{line: formatKeyLine(key, diagnosticKey)}
	size := int64(len(rec.line))

	for {
		if s.closed.Load() {
			s.dropped.Add(1)
			return
		}
		buf := s.current.Load()
		buf.refs.Add(1)
		if buf.sealed.Load() {
			buf.refs.Add(-1)
			runtime.Gosched()
			continue
		}

		idx := buf.n.Add(1) - 1
		if idx >= int64(len(buf.slots)) {
			buf.refs.Add(-1)
			s.rotate(buf)
			continue
		}
		buf.slots[idx] = rec
		total := buf.bytes.Add(size)
		buf.refs.Add(-1)

		if idx+1 == int64(len(buf.slots)) || total >= s.maxBytes {
			s.rotate(buf)
		}
		return
	}
}

// RecordNode adds a node and its dependency targets to the graph dump.
func (s *Sink) RecordNode(info NodeInfo, deps []string) {
	s.inflight.Add(1)
	defer s.inflight.Add(-1)

	if s.closed.Load() {
		return
	}
	rec := &nodeRecord{info: info, deps: append([]string(nil), deps...)}
	for {
		head := s.nodes.Load()
		rec.next = head
		if s.nodes.CompareAndSwap(head, rec) {
			return
		}
	}
}

// Flush schedules the live buffer for writing without waiting for it.
func (s *Sink) Flush() {
	s.inflight.Add(1)
	defer s.inflight.Add(-1)
	if s.closed.Load() {
		return
	}
	buf := s.current.Load()
	if buf.n.Load() > 0 {
		s.rotate(buf)
	}
}

// rotate replaces buf with an empty buffer. Only the caller whose swap
// succeeds schedules the flush.
func (s *Sink) rotate(buf *buffer) {
	if s.current.CompareAndSwap(buf, newBuffer(s.maxKeys)) {
		s.seal(buf)
	}
}

func (s *Sink) seal(buf *buffer) {
	buf.sealed.Store(true)
	s.flushes.Add(1)
	go s.flush(buf)
}

func (s *Sink) flush(buf *buffer) {
	defer s.flushes.Done()

	for buf.refs.Load() != 0 {
		runtime.Gosched()
	}
	n := int(min(buf.n.Load(), int64(len(buf.slots))))
	if n == 0 {
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	w := bufio.NewWriterSize(s.keyLog, 64*1024)
	written := 0
	for i := 0; i < n; i++ {
		if _, err := w.WriteString(buf.slots[i].line); err != nil {
			s.fail("key log write failed", err)
			return
		}
		written++
	}
	if err := w.Flush(); err != nil {
		s.fail("key log flush failed", err)
		return
	}
	s.written.Add(int64(written))
}

// fail counts and logs a swallowed failure.
func (s *Sink) fail(msg string, err error) {
	s.failures.Add(1)
	s.logLimit.Do(func() {
		s.logger.Warn(msg,
			slog.String("dir", s.dir),
			slog.String("error", err.Error()),
		)
	})
}

// Close stops accepting records, flushes, writes the graph dump and hands
// the artifacts to the uploader.
//
// Description:
//
//	Shutdown is two-phase. Close first rejects new records and waits for
//	in-progress producers, then waits up to timeout for the final flush
//	and the graph dump. Artifacts are uploaded only if everything finished
//	in time; the upload shares the same deadline. Failures are logged and
//	counted in the result, never returned.
//
// Inputs:
//
//	timeout - Bound on the whole shutdown. Zero or negative waits forever.
//
// Outputs:
//
//	CloseResult - The same result for every call.
func (s *Sink) Close(timeout time.Duration) CloseResult {
	s.closeOnce.Do(func() {
		s.result = s.close(timeout)
	})
	return s.result
}

func (s *Sink) close(timeout time.Duration) CloseResult {
	start := time.Now()
	var deadline time.Time
	if timeout > 0 {
		deadline = start.Add(timeout)
	}
	s.closed.Store(true)
	for s.inflight.Load() != 0 {
		runtime.Gosched()
	}

	last := s.current.Swap(sealedBuffer())
	s.seal(last)

	dump := s.graphDump()
	res := CloseResult{
		KeyLogPath: s.KeyLogPath(),
		Nodes:      len(dump.Nodes),
		Edges:      len(dump.Edges),
	}

	s.flushes.Add(1)
	go func() {
		defer s.flushes.Done()
		if err := writeFileAtomic(s.GraphDumpPath(), func(w io.Writer) error {
			return WriteGraphDump(w, dump)
		}); err != nil {
			s.fail("graph dump write failed", err)
			return
		}
	}()

	done := make(chan struct{})
	go func() {
		s.flushes.Wait()
		s.writeMu.Lock()
		if err := s.keyLog.Close(); err != nil {
			s.fail("key log close failed", err)
		}
		s.writeMu.Unlock()
		close(done)
	}()

	var timer <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-done:
	case <-timer:
		res.TimedOut = true
		s.logger.Warn("diagnostics close timed out",
			slog.String("dir", s.dir),
			slog.Duration("timeout", timeout),
		)
	}

	if !res.TimedOut {
		if _, err := os.Stat(s.GraphDumpPath()); err == nil {
			res.GraphDumpPath = s.GraphDumpPath()
		}
		if s.uploader != nil {
			res.Uploaded = s.upload(deadline, res)
		}
	}

	res.KeysWritten = s.written.Load()
	res.KeysDropped = s.dropped.Load()
	res.Failures = s.failures.Load()
	s.logger.Debug("diagnostics sink closed",
		slog.Int64("keys", res.KeysWritten),
		slog.Int("nodes", res.Nodes),
		slog.Bool("timed_out", res.TimedOut),
		slog.Duration("elapsed", time.Since(start)),
	)
	return res
}

func sealedBuffer() *buffer {
	b := newBuffer(0)
	b.sealed.Store(true)
	return b
}

func (s *Sink) upload(deadline time.Time, res CloseResult) []string {
	ctx := context.Background()
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	var uploaded []string
	for _, local := range []string{res.KeyLogPath, res.GraphDumpPath} {
		if local == "" {
			continue
		}
		object := path.Join(s.uploadPrefix, filepath.Base(local))
		if err := s.uploader.Upload(ctx, local, object); err != nil {
			s.fail("diagnostics upload failed", err)
			continue
		}
		uploaded = append(uploaded, object)
	}
	return uploaded
}

// graphDump assigns IDs in target order and keeps edges whose both ends
// were recorded. A target recorded twice keeps its first record; records
// without a default key are left out.
func (s *Sink) graphDump() *GraphDump {
	var recs []*nodeRecord
	for r := s.nodes.Load(); r != nil; r = r.next {
		recs = append(recs, r)
	}
	// The list is newest first.
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}

	byTarget := make(map[string]*nodeRecord, len(recs))
	targets := make([]string, 0, len(recs))
	for _, r := range recs {
		if r.info.Target == "" || r.info.Type == "" || r.info.DefaultKey.IsZero() {
			continue
		}
		if _, dup := byTarget[r.info.Target]; dup {
			continue
		}
		byTarget[r.info.Target] = r
		targets = append(targets, r.info.Target)
	}
	sort.Strings(targets)

	ids := make(map[string]int, len(targets))
	d := &GraphDump{Nodes: make([]DumpNode, 0, len(targets))}
	for i, t := range targets {
		ids[t] = i
		d.Nodes = append(d.Nodes, DumpNode{ID: i, NodeInfo: byTarget[t].info})
	}

	skipped := 0
	for _, t := range targets {
		from := ids[t]
		for _, dep := range byTarget[t].deps {
			to, ok := ids[dep]
			if !ok {
				skipped++
				continue
			}
			d.Edges = append(d.Edges, Edge{From: from, To: to})
		}
	}
	if skipped > 0 {
		s.logger.Debug("graph dump skipped edges to undiagnosed nodes", slog.Int("edges", skipped))
	}
	return d
}

// writeFileAtomic writes through a temporary file in the same directory and
// renames it into place.
func writeFileAtomic(dst string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, dst)
}
