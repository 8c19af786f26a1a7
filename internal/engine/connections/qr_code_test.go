package connections

import (
	"bytes"
	"errors"
	"image/png"
	"strings"
	"testing"
)

func TestRenderQR(t *testing.T) {
	pairing := "2@" + strings.Repeat("Xk3lPq9w", 30) + ",abc=,def=,ghi="

	tests := []struct {
		name     string
		payload  string
		size     int
		wantSize int
		wantErr  error
	}{
		{"default size", pairing, 0, qrDefaultSize, nil},
		{"explicit size", pairing, 512, 512, nil},
		{"too small falls back", "2@x", 64, qrDefaultSize, nil},
		{"too large falls back", "2@x", 5000, qrDefaultSize, nil},
		{"empty payload", "", 256, 0, ErrNoQRCode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := renderQR(tt.payload, tt.size)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("renderQR() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}
			img, err := png.Decode(bytes.NewReader(got))
			if err != nil {
				t.Fatalf("not a PNG: %v", err)
			}
			if w := img.Bounds().Dx(); w != tt.wantSize {
				t.Errorf("width = %d, want %d", w, tt.wantSize)
			}
		})
	}
}
