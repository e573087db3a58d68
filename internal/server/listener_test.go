package server

import (
	"net"
	"testing"
)

func TestNewListenerAcceptsLoopbackConnection(t *testing.T) {
	ln, err := newListener("127.0.0.1", 0, false, true)
	if err != nil {
		t.Fatalf("newListener: %s", err)
	}
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		conn.Close()
		done <- nil
	}()

	client, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	defer client.Close()

	if err := <-done; err != nil {
		t.Fatalf("Accept: %s", err)
	}
}

func TestNewListenerIPv4Only(t *testing.T) {
	ln, err := newListener("127.0.0.1", 0, false, false)
	if err != nil {
		t.Fatalf("newListener: %s", err)
	}
	defer ln.Close()

	if _, ok := ln.Addr().(*net.TCPAddr); !ok {
		t.Fatalf("Addr() = %T, want *net.TCPAddr", ln.Addr())
	}
}
