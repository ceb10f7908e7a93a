package auth

import (
	"bytes"
	"image"
	"image/color"
	"image/png"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
	"golang.org/x/image/draw"
)

const qrModulePixels = 8

// PairingQRPNG renders the pairing URL as a PNG QR code, scaled up so it's
// legible on a phone camera from a terminal-printed data URL or a paired
// browser tab.
func PairingQRPNG(content string) ([]byte, error) {
	writer := qrcode.NewQRCodeWriter()
	matrix, err := writer.Encode(content, gozxing.BarcodeFormat_QR_CODE, 0, 0, nil)
	if err != nil {
		return nil, err
	}

	w, h := matrix.GetWidth(), matrix.GetHeight()
	base := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if matrix.Get(x, y) {
				base.SetGray(x, y, color.Gray{Y: 0})
			} else {
				base.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}

	scaled := image.NewGray(image.Rect(0, 0, w*qrModulePixels, h*qrModulePixels))
	draw.NearestNeighbor.Scale(scaled, scaled.Bounds(), base, base.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, scaled); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
