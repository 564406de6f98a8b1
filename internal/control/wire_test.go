package control

import (
	"testing"

	"github.com/distr1/packagefs/internal/activation"
	"github.com/google/go-cmp/cmp"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	req := &Request{Items: []Item{
		{Type: activation.Activate, ParentDeviceID: 7, ParentDirectoryID: 42, Name: "foo-1.0.hpkg"},
		{Type: activation.Deactivate, ParentDeviceID: 7, ParentDirectoryID: 42, Name: "bar.hpkg"},
	}}

	buf, err := Encode(req)
	if err != nil {
		t.Fatal(err)
	}

	got, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(req, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRejectsTruncatedBuffer(t *testing.T) {
	req := &Request{Items: []Item{{Type: activation.Activate, Name: "foo.hpkg"}}}
	buf, err := Encode(req)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Decode(buf[:len(buf)-2]); err == nil {
		t.Fatal("expected an error decoding a truncated buffer")
	}
}

func TestEncodeRejectsOversizedRequest(t *testing.T) {
	req := &Request{Items: []Item{{Type: activation.Activate, Name: string(make([]byte, MaxRequestSize+1))}}}
	if _, err := Encode(req); err == nil {
		t.Fatal("expected an error encoding an oversized request")
	}
}

func TestDecodeRejectsOversizedBuffer(t *testing.T) {
	if _, err := Decode(make([]byte, MaxRequestSize+1)); err == nil {
		t.Fatal("expected an error decoding an oversized buffer")
	}
}

func TestDecodeRejectsImplausibleItemCount(t *testing.T) {
	buf := make([]byte, 4)
	// Declare far more items than a 4-byte payload could possibly hold;
	// Decode must bound this against the buffer before using it as an
	// allocation hint rather than attempting a multi-gigabyte slice.
	buf[0], buf[1], buf[2], buf[3] = 0xff, 0xff, 0xff, 0xff
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected an error decoding an implausible item count")
	}
}

func TestDecodeEmptyRequest(t *testing.T) {
	buf, err := Encode(&Request{})
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Items) != 0 {
		t.Fatalf("Items = %v, want empty", got.Items)
	}
}
