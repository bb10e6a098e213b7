package storage

import "testing"

type kvRecord struct {
	Symbol string
	Amount string
}

func TestRLPKVRoundTrip(t *testing.T) {
	kv := NewRLPKV(NewMemDB())

	want := kvRecord{Symbol: "NHB", Amount: "1250"}
	if err := kv.KVPut([]byte("record/1"), &want); err != nil {
		t.Fatalf("put: %v", err)
	}

	var got kvRecord
	found, err := kv.KVGet([]byte("record/1"), &got)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found {
		t.Fatalf("expected record to exist")
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}

	found, err = kv.KVGet([]byte("record/2"), &got)
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if found {
		t.Fatalf("missing key should not report found")
	}
}

func TestRLPKVDelete(t *testing.T) {
	kv := NewRLPKV(NewMemDB())

	if err := kv.KVPut([]byte("record/1"), "value"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := kv.KVDelete([]byte("record/1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	found, err := kv.KVGet([]byte("record/1"), nil)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if found {
		t.Fatalf("deleted key should be gone")
	}
	if err := kv.KVDelete([]byte("record/1")); err != nil {
		t.Fatalf("deleting absent key should be a no-op, got %v", err)
	}
}

func TestRLPKVRejectsEmptyKey(t *testing.T) {
	kv := NewRLPKV(NewMemDB())
	if err := kv.KVPut(nil, "value"); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if _, err := kv.KVGet(nil, nil); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if err := kv.KVDelete(nil); err == nil {
		t.Fatalf("expected error for empty key")
	}
}
