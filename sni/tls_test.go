package sni

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

// clientHello captures the first record a real crypto/tls client sends.
func clientHello(t *testing.T, serverName string) []byte {
	t.Helper()
	c, s := net.Pipe()
	defer s.Close()

	go func() {
		defer c.Close()
		tc := tls.Client(c, &tls.Config{ServerName: serverName, InsecureSkipVerify: serverName == ""})
		_ = tc.Handshake()
	}()

	_ = s.SetReadDeadline(time.Now().Add(5 * time.Second))
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(s, hdr); err != nil {
		t.Fatalf("read header: %v", err)
	}
	n, err := RecordLen(hdr)
	if err != nil {
		t.Fatalf("RecordLen: %v", err)
	}
	rec := make([]byte, n)
	copy(rec, hdr)
	if _, err := io.ReadFull(s, rec[5:]); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return rec
}

func TestParseClientHelloSNI(t *testing.T) {
	rec := clientHello(t, "api.github.com")

	got, err := ParseClientHelloSNI(rec)
	if err != nil {
		t.Fatalf("ParseClientHelloSNI: %v", err)
	}
	if got != "api.github.com" {
		t.Errorf("sni = %q", got)
	}

	t.Run("truncated", func(t *testing.T) {
		if _, err := ParseClientHelloSNI(rec[:len(rec)-10]); !errors.Is(err, ErrIncomplete) {
			t.Errorf("err = %v, want ErrIncomplete", err)
		}
		if _, err := ParseClientHelloSNI(rec[:3]); !errors.Is(err, ErrIncomplete) {
			t.Errorf("err = %v, want ErrIncomplete", err)
		}
	})

	t.Run("not tls", func(t *testing.T) {
		if _, err := ParseClientHelloSNI([]byte("GET / HTTP/1.1\r\n\r\n")); !errors.Is(err, ErrNotHello) {
			t.Errorf("err = %v, want ErrNotHello", err)
		}
	})
}

func TestParseClientHelloWithoutSNI(t *testing.T) {
	rec := clientHello(t, "")
	if _, err := ParseClientHelloSNI(rec); !errors.Is(err, ErrNoSNI) {
		t.Errorf("err = %v, want ErrNoSNI", err)
	}
}
