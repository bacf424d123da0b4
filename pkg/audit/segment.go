package audit

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/vigil/pkg/canonicalize"
	"github.com/Mindburn-Labs/vigil/pkg/fault"
)

// On-disk layout: append-only segment files, each record framed as
//
//	length (u32, big-endian) | canonical JSON | entry_hash (32 bytes)
//
// The first record of a segment is its header, framed identically with the
// raw SHA-256 of the header JSON as trailing digest. Headers reference the
// preceding segment's last entry hash, so the chain stays verifiable across
// segment boundaries. Writing the same entries always yields the same bytes.
const (
	segmentPrefix     = "segment-"
	segmentSuffix     = ".log"
	formatVersion     = 1
	defaultMaxSegment = 64 << 20
	maxRecordBytes    = 16 << 20
)

// SegmentHeader opens every segment file. It carries no wall-clock fields so
// replaying identical entries reproduces identical segment bytes.
type SegmentHeader struct {
	FormatVersion    int    `json:"format_version"`
	SegmentIndex     int    `json:"segment_index"`
	PreviousLastHash string `json:"previous_last_hash"`
}

func segmentName(index int) string {
	return fmt.Sprintf("%s%06d%s", segmentPrefix, index, segmentSuffix)
}

func segmentIndex(name string) (int, error) {
	base := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(name), segmentPrefix), segmentSuffix)
	return strconv.Atoi(base)
}

func decodeEntryHash(h string) ([32]byte, error) {
	var out [32]byte
	if !strings.HasPrefix(h, "sha256:") {
		return out, fmt.Errorf("invalid hash format: %s", h)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(h, "sha256:"))
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("invalid hash format: %s", h)
	}
	copy(out[:], raw)
	return out, nil
}

func writeFrame(w io.Writer, body []byte, digest [32]byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	_, err := w.Write(digest[:])
	return err
}

func readFrame(r io.Reader) ([]byte, [32]byte, error) {
	var digest [32]byte
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, digest, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxRecordBytes {
		return nil, digest, fmt.Errorf("record length %d out of range", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, digest, fmt.Errorf("truncated record body: %w", err)
	}
	if _, err := io.ReadFull(r, digest[:]); err != nil {
		return nil, digest, fmt.Errorf("truncated record digest: %w", err)
	}
	return body, digest, nil
}

func frameSize(body []byte) int64 {
	return int64(4 + len(body) + 32)
}

// SegmentWriter persists audit entries to segmented append-only files,
// rotating when the active segment would exceed maxBytes.
type SegmentWriter struct {
	mu       sync.Mutex
	dir      string
	maxBytes int64
	f        *os.File
	index    int
	written  int64
	lastHash string
	closed   bool
}

// OpenWriter opens (or resumes) a segment directory for appending.
// maxBytes <= 0 selects the default segment size.
func OpenWriter(dir string, maxBytes int64) (*SegmentWriter, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxSegment
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	w := &SegmentWriter{dir: dir, maxBytes: maxBytes}

	names, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		w.index = 1
		w.lastHash = "genesis"
		if err := w.createSegment(); err != nil {
			return nil, err
		}
		return w, nil
	}

	last := names[len(names)-1]
	idx, err := segmentIndex(last)
	if err != nil {
		return nil, fmt.Errorf("bad segment name %s: %w", last, err)
	}
	header, entries, err := ReadSegment(filepath.Join(dir, last))
	if err != nil {
		return nil, err
	}
	w.index = idx
	w.lastHash = header.PreviousLastHash
	if len(entries) > 0 {
		w.lastHash = entries[len(entries)-1].EntryHash
	}

	f, err := os.OpenFile(filepath.Join(dir, last), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment for append: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	w.f = f
	w.written = info.Size()
	return w, nil
}

func (w *SegmentWriter) createSegment() error {
	header := SegmentHeader{
		FormatVersion:    formatVersion,
		SegmentIndex:     w.index,
		PreviousLastHash: w.lastHash,
	}
	body, err := canonicalize.JCS(header)
	if err != nil {
		return fmt.Errorf("canonicalize segment header: %w", err)
	}

	path := filepath.Join(w.dir, segmentName(w.index))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}
	if err := writeFrame(f, body, canonicalize.SumBytes(body)); err != nil {
		f.Close()
		return fmt.Errorf("write segment header: %w", err)
	}
	w.f = f
	w.written = frameSize(body)
	return nil
}

// Append persists one entry. Entries must arrive in chain order; the caller
// is expected to feed the writer from a Log handler.
func (w *SegmentWriter) Append(entry *Entry) error {
	body, err := canonicalize.JCS(entry)
	if err != nil {
		return fmt.Errorf("canonicalize entry: %w", err)
	}
	digest, err := decodeEntryHash(entry.EntryHash)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fault.New(fault.Permanent, "audit.segment", "writer is closed")
	}

	if w.written+frameSize(body) > w.maxBytes {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}

	if err := writeFrame(w.f, body, digest); err != nil {
		return fmt.Errorf("write entry frame: %w", err)
	}
	w.written += frameSize(body)
	w.lastHash = entry.EntryHash
	return nil
}

func (w *SegmentWriter) rotateLocked() error {
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close segment: %w", err)
	}
	w.index++
	return w.createSegment()
}

// Sync flushes the active segment to stable storage.
func (w *SegmentWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.f.Sync()
}

// LastHash returns the hash of the most recently written entry.
func (w *SegmentWriter) LastHash() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastHash
}

// ActiveIndex returns the index of the segment currently being written.
func (w *SegmentWriter) ActiveIndex() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.index
}

// Close flushes and closes the active segment.
func (w *SegmentWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

func listSegments(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, segmentPrefix+"*"+segmentSuffix))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, filepath.Base(m))
	}
	sort.Strings(names)
	return names, nil
}

// ReadSegment parses one segment file, checking frame digests against each
// entry's recorded hash.
func ReadSegment(path string) (*SegmentHeader, []*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()
	return parseSegment(f, filepath.Base(path))
}

// ReadSegmentBytes parses a segment fetched from cold storage.
func ReadSegmentBytes(name string, data []byte) (*SegmentHeader, []*Entry, error) {
	return parseSegment(bytes.NewReader(data), name)
}

func parseSegment(r io.Reader, name string) (*SegmentHeader, []*Entry, error) {
	body, digest, err := readFrame(r)
	if err != nil {
		return nil, nil, fault.New(fault.Integrity, "audit.segment", "%s: unreadable header: %v", name, err)
	}
	if canonicalize.SumBytes(body) != digest {
		return nil, nil, fault.New(fault.Integrity, "audit.segment", "%s: header digest mismatch", name)
	}
	var header SegmentHeader
	if err := json.Unmarshal(body, &header); err != nil {
		return nil, nil, fault.New(fault.Integrity, "audit.segment", "%s: malformed header: %v", name, err)
	}
	if header.FormatVersion != formatVersion {
		return nil, nil, fault.New(fault.Integrity, "audit.segment", "%s: unsupported format version %d", name, header.FormatVersion)
	}

	var entries []*Entry
	for {
		body, digest, err := readFrame(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fault.New(fault.Integrity, "audit.segment", "%s: record %d: %v", name, len(entries), err)
		}
		var entry Entry
		if err := json.Unmarshal(body, &entry); err != nil {
			return nil, nil, fault.New(fault.Integrity, "audit.segment", "%s: record %d malformed: %v", name, len(entries), err)
		}
		want, err := decodeEntryHash(entry.EntryHash)
		if err != nil || want != digest {
			return nil, nil, fault.New(fault.Integrity, "audit.segment", "%s: record %d digest mismatch", name, len(entries))
		}
		entries = append(entries, &entry)
	}
	return &header, entries, nil
}

// VerifyDir walks every segment in order, checking header linkage, record
// digests, and the end-to-end entry chain from the anchor. It returns the
// number of entries verified.
func VerifyDir(dir string) (int, error) {
	return verifySegments(dir, "genesis")
}

func verifySegments(dir, anchor string) (int, error) {
	names, err := listSegments(dir)
	if err != nil {
		return 0, err
	}

	prevLast := anchor
	total := 0
	for _, name := range names {
		header, entries, err := ReadSegment(filepath.Join(dir, name))
		if err != nil {
			return total, err
		}
		if header.PreviousLastHash != prevLast {
			return total, fault.New(fault.Integrity, "audit.verify",
				"%s: header references %s but previous segment ended at %s",
				name, header.PreviousLastHash, prevLast)
		}
		last, err := VerifyEntries(entries, prevLast)
		if err != nil {
			return total, fault.New(fault.Integrity, "audit.verify", "%s: %v", name, err)
		}
		prevLast = last
		total += len(entries)
	}
	return total, nil
}
