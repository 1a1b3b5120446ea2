package dispatch

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/clawinfra/wabridge/internal/types"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestFetchUsesContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpegdata"))
	}))
	defer srv.Close()

	f := NewMediaFetcher(srv.Client(), time.Second, 0)
	att, err := f.Fetch(context.Background(), srv.URL+"/photos/cat.jpg")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if att.Mimetype != "image/jpeg" {
		t.Errorf("mimetype = %q", att.Mimetype)
	}
	if att.Filename != "cat.jpg" {
		t.Errorf("filename = %q", att.Filename)
	}
	if !bytes.Equal(att.Data, []byte("jpegdata")) {
		t.Errorf("data = %q", att.Data)
	}
}

func TestFetchSniffsGenericType(t *testing.T) {
	for _, header := range []string{"", "application/octet-stream"} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if header != "" {
				w.Header().Set("Content-Type", header)
			} else {
				// suppress net/http's own sniffing
				w.Header()["Content-Type"] = nil
			}
			w.Write(pngHeader)
		}))

		f := NewMediaFetcher(srv.Client(), time.Second, 0)
		att, err := f.Fetch(context.Background(), srv.URL+"/download")
		srv.Close()
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if att.Mimetype != "image/png" {
			t.Errorf("header %q: mimetype = %q, want image/png", header, att.Mimetype)
		}
		if att.Filename != "file.png" {
			t.Errorf("header %q: filename = %q, want file.png", header, att.Filename)
		}
	}
}

func TestFetchContentDispositionFilename(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="../invoice 42.pdf"`)
		w.Write([]byte("%PDF-1.4"))
	}))
	defer srv.Close()

	f := NewMediaFetcher(srv.Client(), time.Second, 0)
	att, err := f.Fetch(context.Background(), srv.URL+"/get?id=42")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if att.Filename != "invoice 42.pdf" {
		t.Errorf("filename = %q", att.Filename)
	}
}

func TestFetchRejectsInvalidURL(t *testing.T) {
	f := NewMediaFetcher(nil, time.Second, 0)
	for _, u := range []string{"", "ftp://host/file", "/relative/path", "http://", "::::"} {
		_, err := f.Fetch(context.Background(), u)
		var ve *types.ValidationError
		if !errors.As(err, &ve) || ve.Field != "mediaUrl" {
			t.Errorf("Fetch(%q) = %v, want mediaUrl ValidationError", u, err)
		}
	}
}

func TestFetchNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewMediaFetcher(srv.Client(), time.Second, 0)
	_, err := f.Fetch(context.Background(), srv.URL+"/missing.png")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected 404 error, got %v", err)
	}
}

func TestFetchSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("a"), 2048))
	}))
	defer srv.Close()

	f := NewMediaFetcher(srv.Client(), time.Second, 1024)
	if _, err := f.Fetch(context.Background(), srv.URL+"/big.txt"); err == nil {
		t.Fatal("expected size limit error")
	}

	f = NewMediaFetcher(srv.Client(), time.Second, 2048)
	if _, err := f.Fetch(context.Background(), srv.URL+"/big.txt"); err != nil {
		t.Fatalf("exact-size body rejected: %v", err)
	}
}

func TestFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	f := NewMediaFetcher(srv.Client(), 30*time.Millisecond, 0)
	if _, err := f.Fetch(context.Background(), srv.URL+"/slow"); err == nil {
		t.Fatal("expected timeout error")
	}
}
