// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package wal implements the append-only durable operation log of one shard.
//
// Entries are framed as [u32 len][u64 op_num][payload][u32 crc32] and written
// to numbered segment files "%020d.wal" where the number is the first op_num
// stored in the file. A write is acknowledged only after fsync. Truncation
// removes whole files below the durably applied watermark.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/vecstore-io/vecstore/internal/log"
	"github.com/vecstore-io/vecstore/internal/util/merr"
	"github.com/vecstore-io/vecstore/internal/util/typeutil"
)

type SeqNum = typeutil.SeqNum

const (
	fileSuffix = ".wal"
	lockFile   = "wal.lock"

	headerSize  = 4 + 8 // len + op_num
	trailerSize = 4     // crc32

	// DefaultSegmentSize is the roll-over threshold for wal files.
	DefaultSegmentSize int64 = 64 << 20
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

type walFile struct {
	firstSeq SeqNum
	lastSeq  SeqNum
	path     string
	size     int64
}

// Wal is the write-ahead log. Not goroutine safe; the owning shard serializes
// access behind a mutex.
type Wal struct {
	dir         string
	segmentSize int64

	dirLock *flock.Flock

	sealed []walFile

	cur      *os.File
	curMeta  walFile
	nextSeq  SeqNum
	firstSeq SeqNum // lowest seq still present, 0 when empty

	closed bool
}

// Options tunes wal behavior.
type Options struct {
	SegmentSize int64
}

// Open opens (or creates) the wal under dir, locking the directory against
// concurrent shards and recovering from a torn tail write.
func Open(dir string, opts Options) (*Wal, error) {
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create wal dir")
	}

	dirLock := flock.New(filepath.Join(dir, lockFile))
	locked, err := dirLock.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "lock wal dir")
	}
	if !locked {
		return nil, errors.Newf("wal dir %s is locked by another process", dir)
	}

	w := &Wal{
		dir:         dir,
		segmentSize: opts.SegmentSize,
		dirLock:     dirLock,
		nextSeq:     1,
	}
	if err := w.loadExisting(); err != nil {
		_ = dirLock.Unlock()
		return nil, err
	}
	return w, nil
}

func (w *Wal) loadExisting() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return errors.Wrap(err, "read wal dir")
	}
	files := make([]walFile, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		first, err := strconv.ParseUint(strings.TrimSuffix(name, fileSuffix), 10, 64)
		if err != nil {
			log.Warn("skip unrecognized wal file", zap.String("name", name))
			continue
		}
		files = append(files, walFile{firstSeq: first, path: filepath.Join(w.dir, name)})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].firstSeq < files[j].firstSeq })

	for i := range files {
		tail := i == len(files)-1
		meta, err := w.scanFile(&files[i], tail)
		if err != nil {
			return err
		}
		files[i] = meta
	}

	if len(files) == 0 {
		return nil
	}
	w.firstSeq = files[0].firstSeq
	w.sealed = files[:len(files)-1]
	w.curMeta = files[len(files)-1]
	w.nextSeq = w.curMeta.lastSeq + 1
	if w.curMeta.lastSeq == 0 {
		// tail file held no valid entry
		w.nextSeq = w.curMeta.firstSeq
	}

	cur, err := os.OpenFile(w.curMeta.path, os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open wal tail")
	}
	if _, err := cur.Seek(w.curMeta.size, io.SeekStart); err != nil {
		_ = cur.Close()
		return errors.Wrap(err, "seek wal tail")
	}
	w.cur = cur
	return nil
}

// scanFile validates frames, returning the completed metadata. When tail is
// true a torn trailing frame is truncated away instead of failing.
func (w *Wal) scanFile(meta *walFile, tail bool) (walFile, error) {
	f, err := os.Open(meta.path)
	if err != nil {
		return *meta, errors.Wrap(err, "open wal file")
	}
	defer f.Close()

	out := *meta
	var offset int64
	for {
		seq, payload, frameLen, err := readFrame(f)
		if err == io.EOF {
			break
		}
		if err != nil {
			if tail {
				log.Warn("truncating torn wal tail",
					zap.String("file", meta.path), zap.Int64("offset", offset), zap.Error(err))
				if err := os.Truncate(meta.path, offset); err != nil {
					return out, errors.Wrap(err, "truncate torn wal tail")
				}
				break
			}
			return out, errors.Wrapf(merr.ErrWalIO, "corrupt wal file %s at %d: %v", meta.path, offset, err)
		}
		_ = payload
		out.lastSeq = seq
		offset += frameLen
	}
	out.size = offset
	return out, nil
}

// Write appends one operation, assigns it the next sequence number and
// fsyncs before returning.
func (w *Wal) Write(payload []byte) (SeqNum, error) {
	if w.closed {
		return 0, errors.Wrap(merr.ErrWalIO, "wal is closed")
	}
	seq := w.nextSeq
	if w.cur == nil {
		if err := w.rollTo(seq); err != nil {
			return 0, err
		}
	}
	frame, err := appendFrame(nil, seq, payload)
	if err != nil {
		return 0, err
	}
	if _, err := w.cur.Write(frame); err != nil {
		return 0, errors.Wrapf(merr.ErrWalIO, "append: %v", err)
	}
	if err := w.cur.Sync(); err != nil {
		return 0, errors.Wrapf(merr.ErrWalIO, "fsync: %v", err)
	}
	w.curMeta.size += int64(len(frame))
	w.curMeta.lastSeq = seq
	w.nextSeq = seq + 1
	if w.firstSeq == 0 {
		w.firstSeq = seq
	}
	if w.curMeta.size >= w.segmentSize {
		if err := w.rollTo(w.nextSeq); err != nil {
			return 0, err
		}
	}
	return seq, nil
}

func (w *Wal) rollTo(firstSeq SeqNum) error {
	if w.cur != nil {
		if err := w.cur.Close(); err != nil {
			return errors.Wrapf(merr.ErrWalIO, "close segment: %v", err)
		}
		w.sealed = append(w.sealed, w.curMeta)
	}
	path := filepath.Join(w.dir, segmentName(firstSeq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return errors.Wrapf(merr.ErrWalIO, "create segment: %v", err)
	}
	w.cur = f
	w.curMeta = walFile{firstSeq: firstSeq, path: path}
	return nil
}

// ReadFrom replays entries with seq >= from in order.
func (w *Wal) ReadFrom(from SeqNum, fn func(seq SeqNum, payload []byte) error) error {
	files := append(append([]walFile(nil), w.sealed...), w.curMeta)
	for _, meta := range files {
		if meta.path == "" || meta.lastSeq < from {
			continue
		}
		f, err := os.Open(meta.path)
		if err != nil {
			return errors.Wrap(err, "open wal file")
		}
		err = replayFile(f, meta.size, from, fn)
		_ = f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func replayFile(r io.Reader, limit int64, from SeqNum, fn func(SeqNum, []byte) error) error {
	var offset int64
	for offset < limit {
		seq, payload, frameLen, err := readFrame(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(merr.ErrWalIO, "replay: %v", err)
		}
		offset += frameLen
		if seq < from {
			continue
		}
		if err := fn(seq, payload); err != nil {
			return err
		}
	}
	return nil
}

// TruncateBefore removes whole sealed files that only hold entries below seq.
// The tail file is never rewritten, so truncation is conservative.
func (w *Wal) TruncateBefore(seq SeqNum) error {
	kept := w.sealed[:0]
	for _, meta := range w.sealed {
		if meta.lastSeq < seq {
			if err := os.Remove(meta.path); err != nil {
				return errors.Wrapf(merr.ErrWalIO, "remove wal segment: %v", err)
			}
			log.Info("dropped wal segment",
				zap.String("file", meta.path), zap.Uint64("lastSeq", meta.lastSeq))
			continue
		}
		kept = append(kept, meta)
	}
	w.sealed = kept
	if len(w.sealed) > 0 {
		w.firstSeq = w.sealed[0].firstSeq
	} else {
		w.firstSeq = w.curMeta.firstSeq
	}
	return nil
}

// LastSeq returns the highest assigned sequence number, 0 when empty.
func (w *Wal) LastSeq() SeqNum { return w.nextSeq - 1 }

// Size returns the total size of all wal files in bytes.
func (w *Wal) Size() int64 {
	total := w.curMeta.size
	for _, meta := range w.sealed {
		total += meta.size
	}
	return total
}

// Close releases the file and the directory lock.
func (w *Wal) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	var errs []error
	if w.cur != nil {
		if err := w.cur.Sync(); err != nil {
			errs = append(errs, err)
		}
		if err := w.cur.Close(); err != nil {
			errs = append(errs, err)
		}
		w.cur = nil
	}
	if err := w.dirLock.Unlock(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Wrapf(merr.ErrWalIO, "close: %v", errs)
	}
	return nil
}

func segmentName(firstSeq SeqNum) string {
	return fmt.Sprintf("%020d%s", firstSeq, fileSuffix)
}

func appendFrame(buf []byte, seq SeqNum, payload []byte) ([]byte, error) {
	if len(payload) > int(^uint32(0)) {
		return nil, errors.Newf("wal payload too large: %d", len(payload))
	}
	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint64(header[4:12], seq)

	crc := crc32.New(crcTable)
	_, _ = crc.Write(header[4:12])
	_, _ = crc.Write(payload)
	var trailer [trailerSize]byte
	binary.LittleEndian.PutUint32(trailer[:], crc.Sum32())

	buf = append(buf, header[:]...)
	buf = append(buf, payload...)
	buf = append(buf, trailer[:]...)
	return buf, nil
}

func readFrame(r io.Reader) (SeqNum, []byte, int64, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return 0, nil, 0, errors.New("torn frame header")
		}
		return 0, nil, 0, err
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	seq := binary.LittleEndian.Uint64(header[4:12])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, 0, errors.New("torn frame payload")
	}
	var trailer [trailerSize]byte
	if _, err := io.ReadFull(r, trailer[:]); err != nil {
		return 0, nil, 0, errors.New("torn frame trailer")
	}

	crc := crc32.New(crcTable)
	_, _ = crc.Write(header[4:12])
	_, _ = crc.Write(payload)
	if crc.Sum32() != binary.LittleEndian.Uint32(trailer[:]) {
		return 0, nil, 0, errors.New("crc mismatch")
	}
	return seq, payload, int64(headerSize + int(length) + trailerSize), nil
}
