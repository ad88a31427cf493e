package qcan

import (
	"testing"

	"github.com/kstaniek/qcan-server/internal/can"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		byte0 byte
		want  Category
	}{
		{0x00, CategoryCAN},
		{0x05, CategoryCAN}, // dlc bits don't affect category
		{0x40, CategoryAPI},
		{0x45, CategoryAPI},
		{0x80, CategoryError},
		{0x20, CategoryUnknown},
		{0xE0, CategoryUnknown},
	}
	for _, c := range cases {
		if got := Classify([]byte{c.byte0}); got != c.want {
			t.Errorf("Classify(0x%02x) = %v, want %v", c.byte0, got, c.want)
		}
	}
}

func TestCANRoundTrip(t *testing.T) {
	f := can.Frame{CANID: 0x123, Len: 2, Ext: false, Data: [8]byte{0xDE, 0xAD}}
	raw, err := EncodeCAN(f)
	if err != nil {
		t.Fatalf("EncodeCAN: %v", err)
	}
	if Classify(raw[:]) != CategoryCAN {
		t.Fatalf("encoded frame does not classify as CAN")
	}
	fr, err := Decode(raw[:])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if fr.CAN.CANID != f.CANID || fr.CAN.Len != f.Len || fr.CAN.Data != f.Data {
		t.Fatalf("round trip mismatch: got %+v, want %+v", fr.CAN, f)
	}
}

func TestAPIBitrateRoundTrip(t *testing.T) {
	f := APIFrame{Function: APIFuncBitrate, Nominal: 500000, Data: BitrateUnset}
	raw, err := EncodeAPI(f)
	if err != nil {
		t.Fatalf("EncodeAPI: %v", err)
	}
	if Classify(raw[:]) != CategoryAPI {
		t.Fatalf("encoded frame does not classify as API")
	}
	fr, err := Decode(raw[:])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if fr.API.Function != APIFuncBitrate || fr.API.Nominal != 500000 || fr.API.Data != BitrateUnset {
		t.Fatalf("round trip mismatch: got %+v", fr.API)
	}
}

func TestAPINameRoundTrip(t *testing.T) {
	f := APIFrame{Function: APIFuncName, Name: "CAN 3"}
	raw, err := EncodeAPI(f)
	if err != nil {
		t.Fatalf("EncodeAPI: %v", err)
	}
	fr, err := Decode(raw[:])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if fr.API.Name != "CAN 3" {
		t.Fatalf("got name %q, want %q", fr.API.Name, "CAN 3")
	}
}

func TestErrorFrameRoundTrip(t *testing.T) {
	f := ErrorFrame{State: can.BusStatePassive, ErrType: 3, RxErrors: 10, TxErrors: 20}
	raw := EncodeError(f)
	if Classify(raw[:]) != CategoryError {
		t.Fatalf("encoded frame does not classify as Error")
	}
	fr, err := Decode(raw[:])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if fr.Err != f {
		t.Fatalf("round trip mismatch: got %+v, want %+v", fr.Err, f)
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode(make([]byte, 8)); err == nil {
		t.Fatalf("expected error on short frame")
	}
	bad := make([]byte, can.FrameArraySize)
	bad[0] = 0x20 // unknown category
	if _, err := Decode(bad); err == nil {
		t.Fatalf("expected error on unknown category")
	}
	badDLC := make([]byte, can.FrameArraySize)
	badDLC[0] = 0x00 | 0x09 // dlc 9, out of range
	if _, err := Decode(badDLC); err == nil {
		t.Fatalf("expected error on dlc > 8")
	}
	brsWithoutFD := make([]byte, can.FrameArraySize)
	brsWithoutFD[0] = 0x00
	brsWithoutFD[1] = 0x08 // BRS bit set, FD bit clear
	if _, err := Decode(brsWithoutFD); err == nil {
		t.Fatalf("expected error on BRS without FD")
	}
}

func TestBitrateSentinelUnchanged(t *testing.T) {
	f := APIFrame{Function: APIFuncBitrate, Nominal: 250000, Data: BitrateUnset}
	raw, err := EncodeAPI(f)
	if err != nil {
		t.Fatalf("EncodeAPI: %v", err)
	}
	fr, err := Decode(raw[:])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if fr.API.Data != BitrateUnset {
		t.Fatalf("sentinel not preserved: got %d", fr.API.Data)
	}
}
