package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

func TestEncodePCM16ClipsRange(t *testing.T) {
	pcm := EncodePCM16([]float32{0, 1, -1, 2, -3, 0.5})
	want := []int16{0, 32767, -32768, 32767, -32768, 16384}
	for i, w := range want {
		got := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if got != w {
			t.Fatalf("sample %d = %d, want %d", i, got, w)
		}
	}
}

func TestDecodePCM16Normalizes(t *testing.T) {
	pcm := []byte{0x00, 0x80, 0x00, 0x00, 0x00, 0x40, 0x01}
	got := DecodePCM16(pcm)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3 (odd byte dropped)", len(got))
	}
	if got[0] != -1 || got[1] != 0 || got[2] != 0.5 {
		t.Fatalf("samples = %v, want [-1 0 0.5]", got)
	}
}

func TestEncodePCM16Base64(t *testing.T) {
	if got := EncodePCM16Base64([]float32{0}); got != "AAA=" {
		t.Fatalf("EncodePCM16Base64() = %q, want %q", got, "AAA=")
	}
}

func TestDuration(t *testing.T) {
	if got := Duration(24000, 24000); got != time.Second {
		t.Fatalf("Duration() = %v, want 1s", got)
	}
	if got := Duration(10, 0); got != 0 {
		t.Fatalf("Duration() with zero rate = %v, want 0", got)
	}
}

func TestWAVRoundTrip(t *testing.T) {
	pcm := []byte{0x00, 0x00, 0xE8, 0x03, 0x18, 0xFC}
	var buf bytes.Buffer
	if err := WriteWAV(&buf, pcm, 16000); err != nil {
		t.Fatalf("WriteWAV() error = %v", err)
	}
	if buf.Len() != 44+len(pcm) {
		t.Fatalf("wav size = %d, want %d", buf.Len(), 44+len(pcm))
	}
	got, rate, err := ReadWAV(buf.Bytes())
	if err != nil {
		t.Fatalf("ReadWAV() error = %v", err)
	}
	if rate != 16000 || !bytes.Equal(got, pcm) {
		t.Fatalf("ReadWAV() = %v @%d, want %v @16000", got, rate, pcm)
	}
}
