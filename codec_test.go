package vfshell

import (
	"errors"
	"testing"
)

func populatedTree(t testing.TB) *Tree {
	t.Helper()
	tr, v := newTestTree(t)
	v.MkdirAll("projects/app", DefaultDirMode)
	v.WriteFile("projects/app/main.go", []byte("package main\n"))
	v.WriteFile("projects/empty", nil)
	v.Chmod("projects/app/main.go", 0o600)
	v.Symlink("projects/app", "app")
	v.SetXattr("projects/app", "vfshell.git.repo", "1")
	tr.View(Root, "/").WriteFile("/etc/hostname", []byte("box\n"))
	return tr
}

func TestSerializeRoundTrip(t *testing.T) {
	tr := populatedTree(t)

	blob, err := tr.Serialize(SerializeOptions{})
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	if !IsStateBlob(blob) {
		t.Fatal("Blob does not carry the state header")
	}
	if headerFlags(blob)&flagCompressed == 0 {
		t.Error("Expected compressed flag")
	}

	restored, err := Deserialize(blob, "")
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	if !tr.Equal(restored) {
		t.Fatal("Restored tree differs from the original")
	}

	v := restored.View(testUser, "/home/user")
	data, err := v.ReadFile("app/main.go")
	if err != nil {
		t.Fatalf("ReadFile through restored symlink failed: %v", err)
	}
	if string(data) != "package main\n" {
		t.Errorf("Unexpected content %q", data)
	}

	if err := v.WriteFile("new", []byte("x")); err != nil {
		t.Fatalf("Restored tree should accept writes: %v", err)
	}
}

func TestSerializeDeterministic(t *testing.T) {
	tr := populatedTree(t)
	a, _ := tr.Serialize(SerializeOptions{})
	b, _ := tr.Serialize(SerializeOptions{})
	if string(a) != string(b) {
		t.Error("Serializing the same tree twice produced different blobs")
	}
}

func TestDeserializeCorruptData(t *testing.T) {
	tr := populatedTree(t)
	blob, _ := tr.Serialize(SerializeOptions{})

	flipped := append([]byte(nil), blob...)
	flipped[len(flipped)-1] ^= 0xff

	wrongVersion := append([]byte(nil), blob...)
	wrongVersion[len(blobMagic)] = 99

	cases := map[string][]byte{
		"empty":     nil,
		"garbage":   []byte("definitely not a tree"),
		"truncated": blob[:headerLen+3],
		"flipped":   flipped,
		"version":   wrongVersion,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Deserialize(data, "")
			if !errors.Is(err, ErrCorruptData) {
				t.Errorf("Expected ErrCorruptData, got %v", err)
			}
		})
	}
}

func TestSerializeEncrypted(t *testing.T) {
	tr := populatedTree(t)
	opts := SerializeOptions{Passphrase: "correct horse", ScryptWorkFactor: 10}

	blob, err := tr.Serialize(opts)
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	if headerFlags(blob)&flagEncrypted == 0 {
		t.Fatal("Expected encrypted flag")
	}

	for _, pass := range []string{"", "wrong"} {
		_, err := Deserialize(blob, pass)
		if !errors.Is(err, ErrPassphrase) || errors.Is(err, ErrCorruptData) {
			t.Errorf("Deserialize with passphrase %q: expected ErrPassphrase only, got %v", pass, err)
		}
	}
	tampered := append([]byte(nil), blob...)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := Deserialize(tampered, "correct horse"); !errors.Is(err, ErrCorruptData) {
		t.Errorf("Expected ErrCorruptData for tampered blob, got %v", err)
	}

	restored, err := Deserialize(blob, "correct horse")
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	if !tr.Equal(restored) {
		t.Error("Decrypted tree differs from the original")
	}
}

func TestFromDocumentValidation(t *testing.T) {
	root := nodeRecord{Parent: -1, Kind: uint8(KindDir), Mode: 0o755}
	cases := map[string]treeDocument{
		"no nodes":       {},
		"file root":      {Nodes: []nodeRecord{{Parent: -1, Kind: uint8(KindFile)}}},
		"forward parent": {Nodes: []nodeRecord{root, {Parent: 2, Kind: uint8(KindFile), Name: "a"}}},
		"bad name":       {Nodes: []nodeRecord{root, {Parent: 0, Kind: uint8(KindFile), Name: "a/b"}}},
		"duplicate": {Nodes: []nodeRecord{root,
			{Parent: 0, Kind: uint8(KindFile), Name: "a"},
			{Parent: 0, Kind: uint8(KindFile), Name: "a"}}},
		"file parent": {Nodes: []nodeRecord{root,
			{Parent: 0, Kind: uint8(KindFile), Name: "a"},
			{Parent: 1, Kind: uint8(KindFile), Name: "b"}}},
		"unknown kind": {Nodes: []nodeRecord{root, {Parent: 0, Kind: 9, Name: "a"}}},
	}
	for name, doc := range cases {
		if _, err := fromDocument(doc); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
