package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRingBufferSimpleWrite(t *testing.T) {
	rb := NewRingBuffer(64)
	rb.Write([]byte("hello "))
	rb.Write([]byte("world"))

	if got := string(rb.Bytes()); got != "hello world" {
		t.Errorf("got %q, want %q", got, "hello world")
	}
}

func TestRingBufferWrapKeepsNewest(t *testing.T) {
	rb := NewRingBuffer(8)
	rb.Write([]byte("abcdef"))
	rb.Write([]byte("ghij")) // total 10 bytes, capacity 8

	got := string(rb.Bytes())
	if got != "cdefghij" {
		t.Errorf("got %q, want %q", got, "cdefghij")
	}
}

func TestRingBufferOversizedWrite(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Write([]byte("0123456789"))

	if got := string(rb.Bytes()); got != "6789" {
		t.Errorf("got %q, want %q", got, "6789")
	}
}

func TestRingBufferManySmallWrites(t *testing.T) {
	rb := NewRingBuffer(16)
	var want bytes.Buffer
	for i := 0; i < 100; i++ {
		chunk := []byte{byte('a' + i%26)}
		rb.Write(chunk)
		want.Write(chunk)
	}

	tail := want.Bytes()
	tail = tail[len(tail)-16:]
	if !bytes.Equal(rb.Bytes(), tail) {
		t.Errorf("got %q, want %q", rb.Bytes(), tail)
	}
}

func TestRingBufferDumpToFile(t *testing.T) {
	rb := NewRingBuffer(32)
	rb.Write([]byte("crash context line\n"))

	path := filepath.Join(t.TempDir(), "dump.log")
	if err := rb.DumpToFile(path); err != nil {
		t.Fatalf("DumpToFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "crash context") {
		t.Errorf("dump missing content: %q", data)
	}
}
