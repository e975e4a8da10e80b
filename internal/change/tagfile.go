package change

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/castingclouds/atomic/internal/hash"
)

// ShortTag is the header portion of a tag file: everything a peer needs to
// recreate the tag except the channel state snapshot. It is what travels over
// the wire on tag upload.
type ShortTag struct {
	State    hash.Merkle `json:"state"`
	Header   Header      `json:"header"`
	Metadata TagMetadata `json:"metadata"`
}

// ChangeFileHash returns the hash under which this tag is addressed. It
// always equals the tag's state; call sites that read as "the tag's change
// file hash" use this accessor.
func (s *ShortTag) ChangeFileHash() hash.Hash {
	return s.State
}

// Tag file layout:
//
//	magic (4) | format version (1) | u64 short length | short section (JSON)
//	         | u64 snapshot length | zstd(channel state snapshot)
//
// A "short tag" is the prefix through the short section.

// WriteTagFile writes a complete tag file: the short section followed by the
// serialized channel state snapshot.
func WriteTagFile(w io.Writer, short *ShortTag, snapshot []byte) error {
	shortBytes, err := json.Marshal(short)
	if err != nil {
		return fmt.Errorf("change: encode short tag: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("change: zstd: %w", err)
	}
	defer enc.Close()

	var out bytes.Buffer
	out.Write(tagMagic)
	out.WriteByte(CurrentVersion)
	writeBlockRaw(&out, shortBytes)
	writeBlockRaw(&out, enc.EncodeAll(snapshot, nil))
	if _, err := w.Write(out.Bytes()); err != nil {
		return fmt.Errorf("change: write tag: %w", err)
	}
	return nil
}

func writeBlockRaw(buf *bytes.Buffer, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	buf.Write(n[:])
	buf.Write(b)
}

// OpenTagFile is a parsed tag file handle.
type OpenTagFile struct {
	short    *ShortTag
	shortRaw []byte
	snapshot []byte
}

// OpenTag parses a tag file from r. When expected is non-nil the short
// section's state must equal it.
func OpenTag(r io.Reader, expected *hash.Merkle) (*OpenTagFile, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("change: read tag: %w", err)
	}
	br := bytes.NewReader(raw)
	magic := make([]byte, len(tagMagic))
	if _, err := io.ReadFull(br, magic); err != nil || !bytes.Equal(magic, tagMagic) {
		return nil, ErrFormat
	}
	if _, err := br.ReadByte(); err != nil {
		return nil, ErrFormat
	}
	shortRaw, err := readRawBlock(br)
	if err != nil {
		return nil, err
	}
	short := &ShortTag{}
	if err := json.Unmarshal(shortRaw, short); err != nil {
		return nil, ErrFormat
	}
	if expected != nil && short.State != *expected {
		return nil, ErrChecksum
	}
	snapComp, err := readRawBlock(br)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("change: zstd: %w", err)
	}
	defer dec.Close()
	snapshot, err := dec.DecodeAll(snapComp, nil)
	if err != nil {
		return nil, ErrFormat
	}
	return &OpenTagFile{short: short, shortRaw: shortRaw, snapshot: snapshot}, nil
}

func readRawBlock(r *bytes.Reader) ([]byte, error) {
	var n [8]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, ErrFormat
	}
	size := binary.BigEndian.Uint64(n[:])
	if size > uint64(r.Len()) {
		return nil, ErrFormat
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, ErrFormat
	}
	return b, nil
}

// OpenTagPath opens and parses the tag file at path.
func OpenTagPath(path string, expected *hash.Merkle) (*OpenTagFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return OpenTag(f, expected)
}

// Short returns the parsed short section.
func (t *OpenTagFile) Short() *ShortTag {
	return t.short
}

// Header returns the tag's header.
func (t *OpenTagFile) Header() Header {
	return t.short.Header
}

// Snapshot returns the serialized channel state carried by the tag file.
func (t *OpenTagFile) Snapshot() []byte {
	return t.snapshot
}

// WriteShort writes the short-tag wire form: magic, version, and the
// length-prefixed short section, without the snapshot.
func (t *OpenTagFile) WriteShort(w io.Writer) error {
	var out bytes.Buffer
	out.Write(tagMagic)
	out.WriteByte(CurrentVersion)
	writeBlockRaw(&out, t.shortRaw)
	if _, err := w.Write(out.Bytes()); err != nil {
		return fmt.Errorf("change: write short tag: %w", err)
	}
	return nil
}

// FromShortTag rebuilds a full tag file from short-tag wire bytes and a
// locally reconstructed snapshot. Used by servers receiving a tag upload.
func FromShortTag(shortBytes []byte, snapshot []byte, w io.Writer) error {
	br := bytes.NewReader(shortBytes)
	magic := make([]byte, len(tagMagic))
	if _, err := io.ReadFull(br, magic); err != nil || !bytes.Equal(magic, tagMagic) {
		return ErrFormat
	}
	if _, err := br.ReadByte(); err != nil {
		return ErrFormat
	}
	shortRaw, err := readRawBlock(br)
	if err != nil {
		return err
	}
	short := &ShortTag{}
	if err := json.Unmarshal(shortRaw, short); err != nil {
		return ErrFormat
	}
	return WriteTagFile(w, short, snapshot)
}

// ParseShort parses short-tag wire bytes without a snapshot.
func ParseShort(shortBytes []byte) (*ShortTag, error) {
	br := bytes.NewReader(shortBytes)
	magic := make([]byte, len(tagMagic))
	if _, err := io.ReadFull(br, magic); err != nil || !bytes.Equal(magic, tagMagic) {
		return nil, ErrFormat
	}
	if _, err := br.ReadByte(); err != nil {
		return nil, ErrFormat
	}
	shortRaw, err := readRawBlock(br)
	if err != nil {
		return nil, err
	}
	short := &ShortTag{}
	if err := json.Unmarshal(shortRaw, short); err != nil {
		return nil, ErrFormat
	}
	return short, nil
}
