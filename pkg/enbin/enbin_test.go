package enbin

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestScalarRoundTrip(t *testing.T) {
	w := NewBuffer(0)
	w.U8(7)
	w.U32(0xDEADBEEF)
	w.U64(1 << 60)
	w.I64(-42)
	w.F64(3.5)
	w.Bool(true)
	w.Bool(false)
	w.Uvarint(300)
	w.String("hello, entrace")

	r := NewReader(w.Bytes())
	if v, err := r.U8(); err != nil || v != 7 {
		t.Fatalf("U8 = %d, %v", v, err)
	}
	if v, err := r.U32(); err != nil || v != 0xDEADBEEF {
		t.Fatalf("U32 = %x, %v", v, err)
	}
	if v, err := r.U64(); err != nil || v != 1<<60 {
		t.Fatalf("U64 = %d, %v", v, err)
	}
	if v, err := r.I64(); err != nil || v != -42 {
		t.Fatalf("I64 = %d, %v", v, err)
	}
	if v, err := r.F64(); err != nil || v != 3.5 {
		t.Fatalf("F64 = %v, %v", v, err)
	}
	if v, err := r.Bool(); err != nil || v != true {
		t.Fatalf("Bool = %v, %v", v, err)
	}
	if v, err := r.Bool(); err != nil || v != false {
		t.Fatalf("Bool = %v, %v", v, err)
	}
	if v, err := r.Uvarint(); err != nil || v != 300 {
		t.Fatalf("Uvarint = %d, %v", v, err)
	}
	if v, err := r.String(); err != nil || v != "hello, entrace" {
		t.Fatalf("String = %q, %v", v, err)
	}
	if r.Remaining() != 0 {
		t.Errorf("expected no remaining bytes, got %d", r.Remaining())
	}
}

func TestLittleEndianLayout(t *testing.T) {
	w := NewBuffer(0)
	w.U32(1)
	want := []byte{1, 0, 0, 0}
	if !bytes.Equal(w.Bytes(), want) {
		t.Fatalf("U32(1) = %v, want %v", w.Bytes(), want)
	}
}

func TestTruncatedReads(t *testing.T) {
	w := NewBuffer(0)
	w.U64(12345)
	full := w.Bytes()

	for cut := 0; cut < len(full); cut++ {
		r := NewReader(full[:cut])
		if _, err := r.U64(); !errors.Is(err, ErrTruncated) {
			t.Errorf("cut %d: err = %v, want ErrTruncated", cut, err)
		}
	}
}

func TestTruncatedString(t *testing.T) {
	w := NewBuffer(0)
	w.String("abcdef")
	full := w.Bytes()

	r := NewReader(full[:3])
	if _, err := r.String(); !errors.Is(err, ErrTruncated) {
		t.Errorf("err = %v, want ErrTruncated", err)
	}
}

func TestBadBoolByte(t *testing.T) {
	r := NewReader([]byte{2})
	if _, err := r.Bool(); !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte("payload")
	if err := WriteFrame(&buf, body); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFullFrame(&buf, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("frame body = %q, want %q", got, body)
	}
}

func TestFrameCleanEOF(t *testing.T) {
	_, err := ReadFullFrame(bytes.NewReader(nil), 1<<20)
	if err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestFrameHalfLength(t *testing.T) {
	_, err := ReadFullFrame(bytes.NewReader([]byte{5, 0, 0}), 1<<20)
	if err != io.ErrUnexpectedEOF {
		t.Errorf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestFrameHalfBody(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	short := buf.Bytes()[:buf.Len()-3]
	_, err := ReadFullFrame(bytes.NewReader(short), 1<<20)
	if err != io.ErrUnexpectedEOF {
		t.Errorf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestFrameLengthLimit(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, make([]byte, 100)); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFullFrame(&buf, 10); !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}
