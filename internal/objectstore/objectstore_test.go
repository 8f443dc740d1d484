package objectstore

import (
	"context"
	"errors"
	"testing"
)

func TestMemory(t *testing.T) {
	m := NewMemory("http://localhost:8000/objects/")
	ctx := context.Background()

	data := []byte("abc")
	if err := m.Put(ctx, "active/a.jpg", data, "image/jpeg"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	data[0] = 'x'

	got, err := m.Get(ctx, "active/a.jpg")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "abc" {
		t.Errorf("Get() = %q, want abc (stored bytes must be a copy)", got)
	}
	if ct := m.ContentType("active/a.jpg"); ct != "image/jpeg" {
		t.Errorf("ContentType() = %q, want image/jpeg", ct)
	}
	if u := m.URL("active/a.jpg"); u != "http://localhost:8000/objects/active/a.jpg" {
		t.Errorf("URL() = %q", u)
	}

	if err := m.Delete(ctx, "active/a.jpg"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := m.Delete(ctx, "active/a.jpg"); err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}
	if _, err := m.Get(ctx, "active/a.jpg"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
	if len(m.Keys()) != 0 {
		t.Errorf("Keys() = %v, want empty", m.Keys())
	}
}
