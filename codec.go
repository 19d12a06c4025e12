package vfshell

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"filippo.io/age"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Persisted blob layout:
//
//	magic "VFSH" | version (1 byte) | flags (1 byte) | blake3(payload) (32 bytes) | payload
//
// The payload is the CBOR node list, zstd compressed and, when a
// passphrase is set, age-encrypted.
const (
	blobMagic   = "VFSH"
	blobVersion = 1
	headerLen   = len(blobMagic) + 2 + 32

	flagCompressed = 1 << 0
	flagEncrypted  = 1 << 1
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("vfshell: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 24,
	}.DecMode()
	if err != nil {
		panic("vfshell: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("vfshell: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("vfshell: zstd decoder initialization failed: " + err.Error())
	}
}

// nodeRecord is the persisted form of one node. Records are written in
// depth-first order so that a parent always precedes its children and
// child order is preserved.
type nodeRecord struct {
	Parent int32             `cbor:"1,keyasint"`
	Kind   uint8             `cbor:"2,keyasint"`
	Name   string            `cbor:"3,keyasint,omitempty"`
	Mode   uint16            `cbor:"4,keyasint"`
	UID    uint32            `cbor:"5,keyasint"`
	GID    uint32            `cbor:"6,keyasint"`
	Ctime  int64             `cbor:"7,keyasint"`
	Mtime  int64             `cbor:"8,keyasint"`
	Data   []byte            `cbor:"9,keyasint,omitempty"`
	Target string            `cbor:"10,keyasint,omitempty"`
	Xattrs map[string]string `cbor:"11,keyasint,omitempty"`
}

type treeDocument struct {
	Nodes []nodeRecord `cbor:"1,keyasint"`
}

// SerializeOptions controls how a tree is written.
type SerializeOptions struct {
	// Passphrase, when set, encrypts the payload with an age scrypt recipient.
	Passphrase string
	// ScryptWorkFactor overrides the scrypt cost (log2). Zero keeps age's default.
	ScryptWorkFactor int
}

// Serialize encodes the whole tree into a self-checking blob. It holds the
// writer lock for the duration of the encoding so that the snapshot is
// consistent.
func (t *Tree) Serialize(opts SerializeOptions) ([]byte, error) {
	t.mu.Lock()
	raw, err := encMode.Marshal(t.document())
	t.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("encode tree: %w", err)
	}
	payload := zstdEncoder.EncodeAll(raw, nil)
	flags := byte(flagCompressed)

	if opts.Passphrase != "" {
		payload, err = encrypt(payload, opts)
		if err != nil {
			return nil, err
		}
		flags |= flagEncrypted
	}

	sum := blake3.Sum256(payload)
	var buf bytes.Buffer
	buf.Grow(headerLen + len(payload))
	buf.WriteString(blobMagic)
	buf.WriteByte(blobVersion)
	buf.WriteByte(flags)
	buf.Write(sum[:])
	buf.Write(payload)
	return buf.Bytes(), nil
}

func (t *Tree) document() treeDocument {
	var doc treeDocument
	var visit func(id NodeID, parent int32)
	visit = func(id NodeID, parent int32) {
		n := t.nodes[id]
		rec := nodeRecord{
			Parent: parent,
			Kind:   uint8(n.kind),
			Name:   n.name,
			Mode:   uint16(n.mode),
			UID:    n.uid,
			GID:    n.gid,
			Ctime:  n.ctime.UnixNano(),
			Mtime:  n.mtime.UnixNano(),
			Data:   n.data,
			Target: n.target,
			Xattrs: n.xattrs,
		}
		if id == t.root {
			rec.Name = ""
		}
		self := int32(len(doc.Nodes))
		doc.Nodes = append(doc.Nodes, rec)
		for _, c := range n.children {
			visit(c, self)
		}
	}
	visit(t.root, -1)
	return doc
}

// ErrPassphrase reports encrypted state that cannot be opened with the
// given passphrase. The state itself may be intact, so it is not
// ErrCorruptData.
var ErrPassphrase = errors.New("state passphrase is missing or incorrect")

// Deserialize rebuilds a tree from a blob produced by Serialize. Any
// malformed, truncated or tampered input yields ErrCorruptData; encrypted
// input with a missing or wrong passphrase yields ErrPassphrase.
func Deserialize(blob []byte, passphrase string, opts ...Option) (*Tree, error) {
	if len(blob) < headerLen || string(blob[:len(blobMagic)]) != blobMagic {
		return nil, fmt.Errorf("%w: bad header", ErrCorruptData)
	}
	version := blob[len(blobMagic)]
	flags := blob[len(blobMagic)+1]
	if version != blobVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptData, version)
	}
	sum := blob[len(blobMagic)+2 : headerLen]
	payload := blob[headerLen:]
	if got := blake3.Sum256(payload); !bytes.Equal(got[:], sum) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptData)
	}

	var err error
	if flags&flagEncrypted != 0 {
		if passphrase == "" {
			return nil, fmt.Errorf("%w: state is encrypted and no passphrase was given", ErrPassphrase)
		}
		payload, err = decrypt(payload, passphrase)
		if err != nil {
			return nil, err
		}
	}
	if flags&flagCompressed != 0 {
		payload, err = zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorruptData, err)
		}
	}

	var doc treeDocument
	if err := decMode.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrCorruptData, err)
	}
	t, err := fromDocument(doc, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	return t, nil
}

func fromDocument(doc treeDocument, opts ...Option) (*Tree, error) {
	if len(doc.Nodes) == 0 {
		return nil, errors.New("no root node")
	}
	if doc.Nodes[0].Parent != -1 || NodeKind(doc.Nodes[0].Kind) != KindDir {
		return nil, errors.New("first record is not a root directory")
	}
	t := New(opts...)
	t.nodes = make([]*node, len(doc.Nodes))
	for i, rec := range doc.Nodes {
		kind := NodeKind(rec.Kind)
		if kind != KindFile && kind != KindDir && kind != KindSymlink {
			return nil, fmt.Errorf("record %d: unknown kind %d", i, rec.Kind)
		}
		n := &node{
			kind:   kind,
			name:   rec.Name,
			mode:   Mode(rec.Mode) & ModePerm,
			uid:    rec.UID,
			gid:    rec.GID,
			ctime:  time.Unix(0, rec.Ctime),
			mtime:  time.Unix(0, rec.Mtime),
			data:   rec.Data,
			target: rec.Target,
			xattrs: rec.Xattrs,
		}
		t.nodes[i] = n
		if i == 0 {
			continue
		}
		if rec.Parent < 0 || int(rec.Parent) >= i {
			return nil, fmt.Errorf("record %d: parent %d out of order", i, rec.Parent)
		}
		parent := t.nodes[rec.Parent]
		if parent.kind != KindDir {
			return nil, fmt.Errorf("record %d: parent is not a directory", i)
		}
		if !validName(rec.Name) {
			return nil, fmt.Errorf("record %d: invalid name %q", i, rec.Name)
		}
		if _, dup := parent.child(rec.Name); dup {
			return nil, fmt.Errorf("record %d: duplicate name %q", i, rec.Name)
		}
		if kind != KindFile && len(rec.Data) > 0 {
			return nil, fmt.Errorf("record %d: data on non-file", i)
		}
		n.parent = NodeID(rec.Parent)
		parent.addChild(rec.Name, NodeID(i))
	}
	t.root = 0
	return t, nil
}

func encrypt(payload []byte, opts SerializeOptions) ([]byte, error) {
	recipient, err := age.NewScryptRecipient(opts.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("scrypt recipient: %w", err)
	}
	if opts.ScryptWorkFactor > 0 {
		recipient.SetWorkFactor(opts.ScryptWorkFactor)
	}
	var out bytes.Buffer
	w, err := age.Encrypt(&out, recipient)
	if err != nil {
		return nil, fmt.Errorf("encrypt state: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return nil, fmt.Errorf("encrypt state: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("encrypt state: %w", err)
	}
	return out.Bytes(), nil
}

func decrypt(payload []byte, passphrase string) ([]byte, error) {
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("scrypt identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(payload), identity)
	var noMatch *age.NoIdentityMatchError
	if errors.As(err, &noMatch) {
		return nil, fmt.Errorf("%w: %v", ErrPassphrase, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %v", ErrCorruptData, err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %v", ErrCorruptData, err)
	}
	return out, nil
}

// IsStateBlob reports whether data starts with the persisted tree header.
func IsStateBlob(data []byte) bool {
	return len(data) >= headerLen && string(data[:len(blobMagic)]) == blobMagic
}

// headerFlags exposes the flag byte for tests and diagnostics.
func headerFlags(blob []byte) byte {
	if len(blob) < headerLen {
		return 0
	}
	return blob[len(blobMagic)+1]
}
