package upload

import "testing"

func TestChecksum(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "00000000"},
		{"123456789", "cbf43926"},
		{"The quick brown fox jumps over the lazy dog", "414fa339"},
	}
	for _, tt := range tests {
		if got := Checksum([]byte(tt.in)); got != tt.want {
			t.Errorf("Checksum(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestChecksum_Deterministic(t *testing.T) {
	data := []byte{0x00, 0xff, 0x10, 0x7f}
	if Checksum(data) != Checksum(data) {
		t.Error("checksum not deterministic")
	}
	if len(Checksum(data)) != 8 {
		t.Error("checksum must be 8 hex digits")
	}
}
