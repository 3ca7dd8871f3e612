package encoding

import (
	"bytes"
	"sync"
	"testing"
)

type record struct {
	Stmt      uint64 `msgpack:"stmt"`
	Txn       uint64 `msgpack:"txn"`
	State     uint8  `msgpack:"state"`
	CommitSeq uint64 `msgpack:"commit_seq"`
}

func TestMarshal_Basic(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
	}{
		{"string", "hello world"},
		{"uint64", uint64(1) << 60},
		{"bool", true},
		{"slice", []uint64{1, 2, 3, 4, 5}},
		{"struct", record{Stmt: 7, Txn: 7, State: 2, CommitSeq: 42}},
		{"map", map[string]interface{}{"txn": 12, "state": "commit"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Marshal(tc.input)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if len(data) == 0 {
				t.Error("Expected non-empty result")
			}
		})
	}
}

func TestMarshal_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	numGoroutines := 50
	iterations := 200

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				in := record{Stmt: uint64(id), Txn: uint64(j), CommitSeq: uint64(id * j)}
				data, err := Marshal(in)
				if err != nil {
					t.Errorf("Marshal failed: %v", err)
					return
				}
				var out record
				if err := Unmarshal(data, &out); err != nil {
					t.Errorf("Unmarshal failed: %v", err)
					return
				}
				if out != in {
					t.Errorf("got %+v, want %+v", out, in)
					return
				}
			}
		}(i)
	}

	wg.Wait()
}

func TestUnmarshal_StringNotBytes(t *testing.T) {
	data, err := Marshal("txn_000000013049")
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var result interface{}
	if err := Unmarshal(data, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if _, ok := result.(string); !ok {
		t.Fatalf("Expected string type, got %T", result)
	}
}

func TestCompressed_RoundTrip(t *testing.T) {
	entries := make([]record, 0, 512)
	for i := 0; i < 512; i++ {
		entries = append(entries, record{Stmt: uint64(i), Txn: uint64(i / 4), State: 2, CommitSeq: uint64(i)})
	}

	for level := 0; level <= 5; level++ {
		data, err := MarshalCompressed(entries, level)
		if err != nil {
			t.Fatalf("level %d: MarshalCompressed failed: %v", level, err)
		}

		var out []record
		if err := UnmarshalCompressed(data, &out); err != nil {
			t.Fatalf("level %d: UnmarshalCompressed failed: %v", level, err)
		}
		if len(out) != len(entries) || out[511] != entries[511] {
			t.Fatalf("level %d: round trip mismatch", level)
		}
	}
}

func TestCompressed_SmallerThanRaw(t *testing.T) {
	entries := make([]record, 1024)
	raw, err := MarshalCompressed(entries, 0)
	if err != nil {
		t.Fatalf("MarshalCompressed failed: %v", err)
	}
	packed, err := MarshalCompressed(entries, 3)
	if err != nil {
		t.Fatalf("MarshalCompressed failed: %v", err)
	}
	if len(packed) >= len(raw) {
		t.Errorf("compressed %d bytes, raw %d bytes", len(packed), len(raw))
	}
	if !bytes.Equal(raw[1:], mustMarshal(t, entries)) {
		t.Error("level 0 payload should be plain msgpack after the frame byte")
	}
}

func TestUnmarshalCompressed_Invalid(t *testing.T) {
	var out []record
	if err := UnmarshalCompressed(nil, &out); err == nil {
		t.Error("expected error for empty payload")
	}
	if err := UnmarshalCompressed([]byte{9, 1, 2}, &out); err == nil {
		t.Error("expected error for unknown frame")
	}
	if err := UnmarshalCompressed([]byte{frameZstd, 1, 2, 3}, &out); err == nil {
		t.Error("expected error for corrupt zstd frame")
	}
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return data
}

func BenchmarkMarshalCompressed(b *testing.B) {
	entries := make([]record, 256)
	for i := range entries {
		entries[i] = record{Stmt: uint64(i), Txn: uint64(i), CommitSeq: uint64(i)}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = MarshalCompressed(entries, 1)
	}
}
