// Copyright 2025 Archon Governance Systems

package merkle

import (
	"context"
	"testing"
)

func TestPortableReceiptVerifyRoundTrip(t *testing.T) {
	store := buildChainWithEvents(t, 20)
	anchor, err := NewAnchor(store, newMemKV())
	if err != nil {
		t.Fatalf("NewAnchor: %v", err)
	}
	if _, err := anchor.BuildCheckpoint(context.Background()); err != nil {
		t.Fatalf("BuildCheckpoint: %v", err)
	}

	receipt, err := anchor.NewPortableReceipt(7)
	if err != nil {
		t.Fatalf("NewPortableReceipt: %v", err)
	}

	evt, err := store.ReadBySequence(7)
	if err != nil {
		t.Fatalf("ReadBySequence: %v", err)
	}

	ok, err := receipt.Verify(evt.ContentHash)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("expected receipt to verify against its own checkpoint")
	}

	raw, err := receipt.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	roundTripped, err := PortableReceiptFromJSON(raw)
	if err != nil {
		t.Fatalf("PortableReceiptFromJSON: %v", err)
	}
	ok, err = roundTripped.Verify(evt.ContentHash)
	if err != nil {
		t.Fatalf("Verify after round trip: %v", err)
	}
	if !ok {
		t.Fatal("expected round-tripped receipt to still verify")
	}
}

func TestPortableReceiptVerifyRejectsWrongContentHash(t *testing.T) {
	store := buildChainWithEvents(t, 20)
	anchor, err := NewAnchor(store, newMemKV())
	if err != nil {
		t.Fatalf("NewAnchor: %v", err)
	}
	if _, err := anchor.BuildCheckpoint(context.Background()); err != nil {
		t.Fatalf("BuildCheckpoint: %v", err)
	}

	receipt, err := anchor.NewPortableReceipt(7)
	if err != nil {
		t.Fatalf("NewPortableReceipt: %v", err)
	}

	other, err := store.ReadBySequence(8)
	if err != nil {
		t.Fatalf("ReadBySequence: %v", err)
	}

	ok, err := receipt.Verify(other.ContentHash)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatal("expected receipt for sequence 7 not to verify against sequence 8's content hash")
	}
}
