package connections

import (
	"github.com/skip2/go-qrcode"
)

const (
	qrMinSize     = 128
	qrMaxSize     = 1024
	qrDefaultSize = 256
)

// renderQR draws a provider scan code as a PNG. Sizes outside
// [qrMinSize, qrMaxSize] fall back to qrDefaultSize.
func renderQR(payload string, size int) ([]byte, error) {
	if payload == "" {
		return nil, ErrNoQRCode
	}
	if size < qrMinSize || size > qrMaxSize {
		size = qrDefaultSize
	}

	// pairing payloads run to a few hundred bytes; Low keeps the module
	// count readable on a phone camera
	qr, err := qrcode.New(payload, qrcode.Low)
	if err != nil {
		return nil, err
	}
	return qr.PNG(size)
}
