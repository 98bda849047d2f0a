package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupGormKV(t *testing.T) *GormKV {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite database: %v", err)
	}
	if err := db.AutoMigrate(&KVEntry{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return NewGormKV(db)
}

func TestKVBackends(t *testing.T) {
	backends := map[string]func(t *testing.T) KV{
		"memory": func(*testing.T) KV { return NewMemoryKV() },
		"gorm":   func(t *testing.T) KV { return setupGormKV(t) },
	}

	for name, build := range backends {
		t.Run(name, func(t *testing.T) {
			kv := build(t)
			ctx := context.Background()

			if _, err := kv.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get missing key error = %v, want ErrNotFound", err)
			}

			if err := kv.Set(ctx, "key", []byte(`{"a":1}`)); err != nil {
				t.Fatalf("Set returned error: %v", err)
			}
			if err := kv.Set(ctx, "key", []byte(`{"a":2}`)); err != nil {
				t.Fatalf("overwrite returned error: %v", err)
			}

			got, err := kv.Get(ctx, "key")
			if err != nil {
				t.Fatalf("Get returned error: %v", err)
			}
			if string(got) != `{"a":2}` {
				t.Fatalf("Get = %s, want {\"a\":2}", got)
			}
		})
	}
}

func TestMemoryKVCopiesValues(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	value := []byte("abc")
	_ = kv.Set(ctx, "k", value)
	value[0] = 'z'

	got, _ := kv.Get(ctx, "k")
	if string(got) != "abc" {
		t.Fatalf("stored value mutated through caller slice: %s", got)
	}
}

func TestGetJSONMissingKey(t *testing.T) {
	var dst []string
	found, err := GetJSON(context.Background(), NewMemoryKV(), "nothing", &dst)
	if err != nil {
		t.Fatalf("GetJSON returned error: %v", err)
	}
	if found {
		t.Fatal("expected found = false")
	}
}

func TestGetJSONDecodeError(t *testing.T) {
	kv := NewMemoryKV()
	_ = kv.Set(context.Background(), "bad", []byte("{"))

	var dst map[string]any
	if _, err := GetJSON(context.Background(), kv, "bad", &dst); err == nil {
		t.Fatal("expected decode error")
	}
}
