package qcan

import (
	"net"
	"testing"
)

func pipeSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	return newSession(server), client
}

func TestRegistryAppendAssignsIndices(t *testing.T) {
	r := NewRegistry(4)
	s1, _ := pipeSession(t)
	s2, _ := pipeSession(t)

	i1, err := r.Append(s1)
	if err != nil || i1 != 0 {
		t.Fatalf("Append s1: idx=%d err=%v", i1, err)
	}
	i2, err := r.Append(s2)
	if err != nil || i2 != 1 {
		t.Fatalf("Append s2: idx=%d err=%v", i2, err)
	}
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
}

func TestRegistryTooManyClients(t *testing.T) {
	r := NewRegistry(1)
	s1, _ := pipeSession(t)
	s2, _ := pipeSession(t)

	if _, err := r.Append(s1); err != nil {
		t.Fatalf("Append s1: %v", err)
	}
	if _, err := r.Append(s2); err != ErrTooManyClients {
		t.Fatalf("Append s2: err=%v, want ErrTooManyClients", err)
	}
}

func TestRegistryRemoveShiftsIndices(t *testing.T) {
	r := NewRegistry(4)
	s1, _ := pipeSession(t)
	s2, _ := pipeSession(t)
	s3, _ := pipeSession(t)
	_, _ = r.Append(s1)
	_, _ = r.Append(s2)
	_, _ = r.Append(s3)

	r.Remove(s1)
	if r.Len() != 2 {
		t.Fatalf("Len() after remove = %d, want 2", r.Len())
	}
	snap := r.Snapshot()
	if snap[0] != s2 || snap[1] != s3 {
		t.Fatalf("unexpected order after removal")
	}
}
