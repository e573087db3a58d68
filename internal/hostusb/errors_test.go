package hostusb

import (
	"errors"
	"testing"
)

func TestIsStall(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("libusb: pipe error"), true},
		{errors.New("transfer stalled"), true},
		{errors.New("device not found"), false},
	}

	for _, c := range cases {
		if got := IsStall(c.err); got != c.want {
			t.Errorf("IsStall(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestErrnoFor(t *testing.T) {
	if got := ErrnoFor(errors.New("endpoint stalled")); got != EPIPE {
		t.Errorf("ErrnoFor(stall) = %d, want %d", got, EPIPE)
	}
	if got := ErrnoFor(errors.New("timeout")); got != EIO {
		t.Errorf("ErrnoFor(other) = %d, want %d", got, EIO)
	}
}

func TestDeviceSnapshotIdentity(t *testing.T) {
	s := DeviceSnapshot{Bus: 1, Address: 2}

	if got, want := s.BusID(), "1-2"; got != want {
		t.Errorf("BusID() = %q, want %q", got, want)
	}

	if got, want := s.Devid(), uint32(1)<<16|2; got != want {
		t.Errorf("Devid() = %#x, want %#x", got, want)
	}
}
