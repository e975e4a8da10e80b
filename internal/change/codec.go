package change

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/castingclouds/atomic/internal/hash"
)

// magic bytes identifying the two file kinds.
var (
	changeMagic = []byte("ATCH")
	tagMagic    = []byte("ATTG")
)

var (
	// ErrFormat is returned for unparseable change or tag file bytes.
	ErrFormat = errors.New("change: malformed file")
	// ErrChecksum is returned when file bytes do not hash to the expected value.
	ErrChecksum = errors.New("change: hash mismatch")
)

// File layout:
//
//	magic (4) | format version (1) | u64 hashed length | zstd(hashed section)
//	         | u64 contents length | zstd(contents)
//
// The change hash is computed over the UNCOMPRESSED hashed section, so the
// compressor level never affects identity.

// hashedSection serializes the identity-bearing fields with 4-byte big-endian
// length prefixes, avoiding delimiter collisions in freeform text.
func (c *Change) hashedSection() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(c.Version)

	header, err := json.Marshal(&c.Header)
	if err != nil {
		return nil, fmt.Errorf("change: encode header: %w", err)
	}
	writeField(&buf, header)

	writeHashes(&buf, c.Dependencies)
	writeHashes(&buf, c.ExtraKnown)
	writeField(&buf, c.Metadata)
	writeField(&buf, c.Hunks)
	buf.Write(c.ContentsHash.Bytes())

	if c.Tag != nil {
		buf.WriteByte(1)
		tag, err := json.Marshal(c.Tag)
		if err != nil {
			return nil, fmt.Errorf("change: encode tag metadata: %w", err)
		}
		writeField(&buf, tag)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes(), nil
}

func writeField(buf *bytes.Buffer, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	buf.Write(n[:])
	buf.Write(b)
}

func writeHashes(buf *bytes.Buffer, hs []hash.Hash) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(hs)))
	buf.Write(n[:])
	for _, h := range hs {
		buf.Write(h.Bytes())
	}
}

func readField(r *bytes.Reader) ([]byte, error) {
	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, ErrFormat
	}
	size := binary.BigEndian.Uint32(n[:])
	if int(size) > r.Len() {
		return nil, ErrFormat
	}
	if size == 0 {
		return nil, nil
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, ErrFormat
	}
	return b, nil
}

func readHashes(r *bytes.Reader) ([]hash.Hash, error) {
	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, ErrFormat
	}
	count := binary.BigEndian.Uint32(n[:])
	if int(count)*hash.Size > r.Len() {
		return nil, ErrFormat
	}
	if count == 0 {
		return nil, nil
	}
	out := make([]hash.Hash, 0, count)
	var hb [hash.Size]byte
	for range count {
		if _, err := io.ReadFull(r, hb[:]); err != nil {
			return nil, ErrFormat
		}
		h, ok := hash.FromBytes(hb[:])
		if !ok {
			return nil, ErrFormat
		}
		out = append(out, h)
	}
	return out, nil
}

// Hash computes the change's content hash without serializing a file.
func (c *Change) Hash() (hash.Hash, error) {
	hashed, err := c.hashedSection()
	if err != nil {
		return hash.Hash{}, err
	}
	return hash.Sum(hashed), nil
}

// Serialize writes the change file to w and returns the computed hash.
func (c *Change) Serialize(w io.Writer) (hash.Hash, error) {
	hashed, err := c.hashedSection()
	if err != nil {
		return hash.Hash{}, err
	}
	h := hash.Sum(hashed)

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("change: zstd: %w", err)
	}
	defer enc.Close()

	var out bytes.Buffer
	out.Write(changeMagic)
	out.WriteByte(c.Version)
	writeBlock(&out, enc.EncodeAll(hashed, nil))
	writeBlock(&out, enc.EncodeAll(c.Contents, nil))
	if _, err := w.Write(out.Bytes()); err != nil {
		return hash.Hash{}, fmt.Errorf("change: write: %w", err)
	}
	return h, nil
}

func writeBlock(buf *bytes.Buffer, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	buf.Write(n[:])
	buf.Write(b)
}

func readBlock(r *bytes.Reader) ([]byte, error) {
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
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("change: zstd: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(b, nil)
	if err != nil {
		return nil, ErrFormat
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// Deserialize parses a change file. When expected is non-nil the hashed
// section must hash to it; a mismatch is reported as ErrChecksum.
func Deserialize(r io.Reader, expected *hash.Hash) (*Change, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("change: read: %w", err)
	}
	return parse(raw, expected)
}

func parse(raw []byte, expected *hash.Hash) (*Change, error) {
	br := bytes.NewReader(raw)
	magic := make([]byte, len(changeMagic))
	if _, err := io.ReadFull(br, magic); err != nil || !bytes.Equal(magic, changeMagic) {
		return nil, ErrFormat
	}
	fileVersion, err := br.ReadByte()
	if err != nil {
		return nil, ErrFormat
	}
	hashed, err := readBlock(br)
	if err != nil {
		return nil, err
	}
	contents, err := readBlock(br)
	if err != nil {
		return nil, err
	}
	if expected != nil && hash.Sum(hashed) != *expected {
		return nil, ErrChecksum
	}

	hr := bytes.NewReader(hashed)
	version, err := hr.ReadByte()
	if err != nil || version != fileVersion {
		return nil, ErrFormat
	}
	c := &Change{Version: version, Contents: contents}

	headerBytes, err := readField(hr)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(headerBytes, &c.Header); err != nil {
		return nil, ErrFormat
	}
	if c.Dependencies, err = readHashes(hr); err != nil {
		return nil, err
	}
	if c.ExtraKnown, err = readHashes(hr); err != nil {
		return nil, err
	}
	if c.Metadata, err = readField(hr); err != nil {
		return nil, err
	}
	if c.Hunks, err = readField(hr); err != nil {
		return nil, err
	}
	var hb [hash.Size]byte
	if _, err := io.ReadFull(hr, hb[:]); err != nil {
		return nil, ErrFormat
	}
	contentsHash, ok := hash.FromBytes(hb[:])
	if !ok {
		return nil, ErrFormat
	}
	c.ContentsHash = contentsHash

	tagged, err := hr.ReadByte()
	if err != nil {
		return nil, ErrFormat
	}
	if tagged == 1 {
		tagBytes, err := readField(hr)
		if err != nil {
			return nil, err
		}
		c.Tag = &TagMetadata{}
		if err := json.Unmarshal(tagBytes, c.Tag); err != nil {
			return nil, ErrFormat
		}
	}
	return c, nil
}

// VerifyBuf checks that buf is a well-formed change file whose hashed section
// hashes to expected.
func VerifyBuf(buf []byte, expected hash.Hash) error {
	_, err := parse(buf, &expected)
	return err
}
