package utils

import (
	"math"
	"os"
	"testing"
	"time"
)

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"30/1", 30, false},
		{"30000/1001", 29.97, false},
		{"25", 25, false},
		{" 60/1 ", 60, false},
		{"0/0", 0, true},
		{"N/A", 0, true},
		{"", 0, true},
		{"30/x", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseFrameRate(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFrameRate(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && math.Abs(got-tt.want) > 0.01 {
			t.Errorf("ParseFrameRate(%q) = %f, want %f", tt.in, got, tt.want)
		}
	}
}

func TestFFmpegArgs(t *testing.T) {
	dec := NewFFmpegRawDecoder(t.Context(), "in.mp4")
	if !containsSeq(dec.Args, "-pix_fmt", "rgba") {
		t.Errorf("decoder must emit rgba, got %v", dec.Args)
	}

	enc := NewFFmpegEncoder(t.Context(), "out.mp4", 29.97, 640, 480)
	if !containsSeq(enc.Args, "-s", "640x480") || !containsSeq(enc.Args, "-r", "29.97") {
		t.Errorf("encoder args missing size or rate: %v", enc.Args)
	}
	if enc.Args[len(enc.Args)-1] != "out.mp4" {
		t.Errorf("output path should be last, got %v", enc.Args)
	}
}

func containsSeq(args []string, a, b string) bool {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == a && args[i+1] == b {
			return true
		}
	}
	return false
}

func TestGenerateVideoID(t *testing.T) {
	// Integration test using the OS filesystem
	tmp, err := os.CreateTemp("", "video_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmp.Name())

	// Write dummy content
	if _, err := tmp.Write([]byte("fake video content")); err != nil {
		t.Fatal(err)
	}
	tmp.Close()

	id, err := GenerateVideoID(tmp.Name())
	if err != nil || id == "" {
		t.Errorf("Failed to generate ID: %v", err)
	}

	// Verify Determinism
	id2, _ := GenerateVideoID(tmp.Name())
	if id != id2 {
		t.Errorf("Hash is not deterministic. Got %s, then %s", id, id2)
	}

	// Verify Sensitivity (Change content -> Change ID)
	f, _ := os.OpenFile(tmp.Name(), os.O_APPEND|os.O_WRONLY, 0644)
	f.Write([]byte(" modification"))
	f.Close()
	// make sure mtime moves even on coarse filesystems
	later := time.Now().Add(time.Second)
	os.Chtimes(tmp.Name(), later, later)

	id3, _ := GenerateVideoID(tmp.Name())
	if id == id3 {
		t.Error("Hash did not change after file modification")
	}
}

func TestSafeCommandCapturesStderr(t *testing.T) {
	c := NewSafeCommand("sh", "-c", "echo boom >&2; exit 3")
	if err := c.Run(); err == nil {
		t.Fatal("expected non-zero exit")
	}
	if got := c.Stderr.String(); got != "boom\n" {
		t.Errorf("expected captured stderr, got %q", got)
	}
}
