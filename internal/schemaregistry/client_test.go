package schemaregistry

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestDisabledClient(t *testing.T) {
	c := New("", "", "", "subject-value")
	if c.Enabled() {
		t.Fatal("expected client to be disabled with an empty base URL")
	}
	id, err := c.SchemaID()
	if err != nil || id != 0 {
		t.Fatalf("expected (0, nil) from a disabled client, got (%d, %v)", id, err)
	}
}

func TestSchemaID_CachesAfterFirstFetch(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		fmt.Fprint(w, `{"subject":"x-value","id":42,"version":1,"schema":"{}"}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "", "x-value")

	for i := 0; i < 3; i++ {
		id, err := c.SchemaID()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id != 42 {
			t.Fatalf("expected schema id 42, got %d", id)
		}
	}

	if got := atomic.LoadInt32(&requests); got != 1 {
		t.Fatalf("expected exactly 1 HTTP request across repeated SchemaID calls, got %d", got)
	}
}

func TestRefresh_AlwaysRefetches(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)
		fmt.Fprintf(w, `{"subject":"x-value","id":%d,"version":1,"schema":"{}"}`, n)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "", "x-value")

	first, err := c.Refresh()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := c.Refresh()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == second {
		t.Fatalf("expected Refresh to re-fetch and observe a different id, got %d twice", first)
	}
}

func TestRefresh_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "", "missing-value")
	if _, err := c.Refresh(); err == nil {
		t.Fatal("expected an error for a non-200 response")
	}
}
