package dnssd

import (
	"reflect"
	"testing"
)

func TestTxtRecordOrderAndCount(t *testing.T) {
	got := txtRecord([]string{"1-2", "3-4", "5-6"})

	want := [][]byte{
		[]byte("busids=3"),
		[]byte("busid=5-6"),
		[]byte("busid=3-4"),
		[]byte("busid=1-2"),
	}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("txtRecord = %q, want %q", got, want)
	}
}

func TestTxtRecordEmpty(t *testing.T) {
	got := txtRecord(nil)
	want := [][]byte{[]byte("busids=0")}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("txtRecord(nil) = %q, want %q", got, want)
	}
}
