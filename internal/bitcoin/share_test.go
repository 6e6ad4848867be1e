package bitcoin

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestShareID(t *testing.T) {
	a := ShareID("job1", "ab12cd34", "00000000", "1a2b3c4d", "00000000")
	b := ShareID("job1", "ab12cd34", "00000000", "1a2b3c4d", "00000000")
	c := ShareID("job1", "ab12cd34", "00000001", "1a2b3c4d", "00000000")

	if a != b {
		t.Errorf("ShareID not deterministic: %s != %s", a, b)
	}
	if a == c {
		t.Error("different extranonce2 produced the same share id")
	}
	if len(a) != 64 {
		t.Errorf("ShareID length = %d, want 64", len(a))
	}
	if _, err := hex.DecodeString(a); err != nil {
		t.Errorf("ShareID is not hex: %v", err)
	}
}

func TestDifficultyToTarget(t *testing.T) {
	diffOne, _ := hex.DecodeString("00000000ffff0000000000000000000000000000000000000000000000000000")
	diffTwo, _ := hex.DecodeString("000000007fff8000000000000000000000000000000000000000000000000000")

	tests := []struct {
		name       string
		difficulty float64
		want       []byte
	}{
		{"difficulty 1", 1, diffOne},
		{"difficulty 2", 2, diffTwo},
		{"zero falls back to difficulty 1", 0, diffOne},
		{"negative falls back to difficulty 1", -5, diffOne},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DifficultyToTarget(tt.difficulty)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("DifficultyToTarget(%v) = %x, want %x", tt.difficulty, got, tt.want)
			}
		})
	}
}

func TestDifficultyToTarget_Monotonic(t *testing.T) {
	low := DifficultyToTarget(8)
	high := DifficultyToTarget(1000)
	if bytes.Compare(high, low) >= 0 {
		t.Errorf("higher difficulty should give a lower target: %x >= %x", high, low)
	}
	if len(TargetHex(8)) != 64 {
		t.Errorf("TargetHex length = %d, want 64", len(TargetHex(8)))
	}
}
