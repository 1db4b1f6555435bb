package codecache

import (
	"bytes"
	"strings"
	"testing"

	"github.com/emtee40/phoneJ2ME-cldc/vm"
)

func TestSnapshot_CBORRoundTrip(t *testing.T) {
	s := &Snapshot{
		Key:            "add/1@amd64-template:0011223344556677",
		CompilationID:  "8f0c7a52-5b55-4b6b-9d0e-2f4a9f1d7c11",
		Backend:        "amd64-template",
		Flags:          uint8(vm.FlagHasBranchRelocation),
		CodeSize:       4,
		RelocationSize: 2,
		Code:           []byte{0xE8, 0, 0, 0},
		Metadata:       []byte{0x00, 0x10, 0x82, 0x81},
	}
	data, err := MarshalSnapshot(s)
	if err != nil {
		t.Fatalf("MarshalSnapshot: %v", err)
	}
	again, _ := MarshalSnapshot(s)
	if !bytes.Equal(data, again) {
		t.Error("encoding is not deterministic")
	}

	got, err := UnmarshalSnapshot(data)
	if err != nil {
		t.Fatalf("UnmarshalSnapshot: %v", err)
	}
	if got.Key != s.Key || got.CompilationID != s.CompilationID || got.Backend != s.Backend {
		t.Errorf("identity mismatch: %+v", got)
	}
	if !bytes.Equal(got.Code, s.Code) || !bytes.Equal(got.Metadata, s.Metadata) {
		t.Error("code or metadata mismatch")
	}
	img, err := got.Image()
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if img.Flags != vm.FlagHasBranchRelocation || img.RelocationSize != 2 {
		t.Errorf("image = %+v", img)
	}
}

func TestSnapshotImageChecksCodeSize(t *testing.T) {
	s := &Snapshot{Key: "k", CodeSize: 3, Code: []byte{0xC3}}
	if _, err := s.Image(); err == nil {
		t.Error("mismatched code size accepted")
	}
	if _, err := UnmarshalSnapshot([]byte{0xFF, 0x00}); err == nil {
		t.Error("garbage decoded")
	}
}

func TestKeyFollowsMethodContents(t *testing.T) {
	h, err := vm.NewObjectHeap(vm.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	a, _ := vm.NewMethod(h, "m", 1, 1, []byte{byte(vm.OpReturnSelf)}, nil)
	b, _ := vm.NewMethod(h, "m", 1, 1, []byte{byte(vm.OpReturnNil)}, nil)
	if Key(a, "x") == Key(b, "x") {
		t.Error("different bytecode shares a key")
	}
	if Key(a, "x") == Key(a, "y") {
		t.Error("different backends share a key")
	}
	c, _ := vm.NewMethod(h, "m", 1, 1, []byte{byte(vm.OpReturnSelf)}, []vm.Literal{vm.LiteralImm(3)})
	if Key(a, "x") == Key(c, "x") {
		t.Error("different literals share a key")
	}
	d, _ := vm.NewMethod(h, "m", 1, 3, []byte{byte(vm.OpReturnSelf)}, nil)
	if Key(a, "x") == Key(d, "x") {
		t.Error("different temp counts share a key")
	}
	if !strings.HasPrefix(Key(a, "x"), "m/1@x:") {
		t.Errorf("Key = %q", Key(a, "x"))
	}
}
