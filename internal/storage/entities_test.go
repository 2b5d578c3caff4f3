package storage

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestPutGetEntity(t *testing.T) {
	db := openTestDB(t)

	data := json.RawMessage(`{"id":"e1","title":"hello"}`)
	if err := db.PutEntity("entry", "p1/e1", data, time.Hour); err != nil {
		t.Fatalf("PutEntity failed: %v", err)
	}

	e, err := db.GetEntity("entry", "p1/e1")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if string(e.Data) != string(data) {
		t.Errorf("Data = %s, want %s", e.Data, data)
	}
	if e.ExpiresAt == nil {
		t.Error("ExpiresAt should be set")
	}
	if e.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be set")
	}
}

func TestPutEntity_Overwrite(t *testing.T) {
	db := openTestDB(t)

	_ = db.PutEntity("role", "p1/r1", json.RawMessage(`1`), 0)
	_ = db.PutEntity("role", "p1/r1", json.RawMessage(`2`), 0)

	e, err := db.GetEntity("role", "p1/r1")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if string(e.Data) != "2" {
		t.Errorf("Data = %s, want 2", e.Data)
	}
	if e.ExpiresAt != nil {
		t.Error("ttl 0 should not expire")
	}

	n, _ := db.CountEntities()
	if n != 1 {
		t.Errorf("CountEntities = %d, want 1", n)
	}
}

func TestGetEntity_KindIsPartOfKey(t *testing.T) {
	db := openTestDB(t)

	_ = db.PutEntity("entry", "x", json.RawMessage(`"entry"`), 0)
	if _, err := db.GetEntity("role", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetEntity error = %v, want ErrNotFound", err)
	}
}

func TestGetEntity_Expired(t *testing.T) {
	db := openTestDB(t)

	_ = db.PutEntity("entry", "gone", json.RawMessage(`{}`), time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	if _, err := db.GetEntity("entry", "gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetEntity error = %v, want ErrNotFound", err)
	}
}

func TestDeleteAndClearEntities(t *testing.T) {
	db := openTestDB(t)

	_ = db.PutEntity("entry", "a", json.RawMessage(`1`), 0)
	_ = db.PutEntity("entry", "b", json.RawMessage(`2`), 0)

	if err := db.DeleteEntity("entry", "a"); err != nil {
		t.Fatalf("DeleteEntity failed: %v", err)
	}
	if err := db.DeleteEntity("entry", "a"); err != nil {
		t.Errorf("DeleteEntity of missing entity failed: %v", err)
	}
	if _, err := db.GetEntity("entry", "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted entity still present: %v", err)
	}

	if err := db.ClearEntities(); err != nil {
		t.Fatalf("ClearEntities failed: %v", err)
	}
	if n, _ := db.CountEntities(); n != 0 {
		t.Errorf("CountEntities = %d, want 0", n)
	}
}

func TestPurgeExpired(t *testing.T) {
	db := openTestDB(t)

	_ = db.PutEntity("entry", "old", json.RawMessage(`1`), time.Millisecond)
	_ = db.PutEntity("entry", "fresh", json.RawMessage(`2`), time.Hour)
	_ = db.KVSet("old", "v", time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	n, err := db.PurgeExpired()
	if err != nil {
		t.Fatalf("PurgeExpired failed: %v", err)
	}
	if n != 2 {
		t.Errorf("PurgeExpired removed %d, want 2", n)
	}
	if c, _ := db.CountEntities(); c != 1 {
		t.Errorf("CountEntities = %d, want 1", c)
	}
}
