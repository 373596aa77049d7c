package token

import (
	"bytes"
	"image"
	"image/png"

	"github.com/makiuchi-d/gozxing"
	zxqr "github.com/makiuchi-d/gozxing/qrcode"
	qrcode "github.com/skip2/go-qrcode"
)

// DefaultQRSize is the PNG edge length used when callers pass zero.
const DefaultQRSize = 512

// RenderQR encodes t and draws it as a PNG QR code.
func RenderQR(t Token, size int) ([]byte, error) {
	data, err := Encode(t)
	if err != nil {
		return nil, err
	}
	return RenderQRBytes(data, size)
}

// RenderQRBytes draws already-encoded token bytes.
func RenderQRBytes(data []byte, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultQRSize
	}
	return qrcode.Encode(string(data), qrcode.Medium, size)
}

// ExtractQR reads the payload of the QR code in img. Any failure to find or
// read a code is UnreadableCapture; the bytes are not validated here.
func ExtractQR(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, reject(UnreadableCapture, "empty frame")
	}
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return nil, &DecodeError{Reason: UnreadableCapture, Message: "cannot binarize image", Cause: err}
	}
	hints := map[gozxing.DecodeHintType]interface{}{gozxing.DecodeHintType_TRY_HARDER: true}
	res, err := zxqr.NewQRCodeReader().Decode(bmp, hints)
	if err != nil {
		return nil, &DecodeError{Reason: UnreadableCapture, Message: "no QR code found", Cause: err}
	}
	return []byte(res.GetText()), nil
}

func ExtractQRPNG(b []byte) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, &DecodeError{Reason: UnreadableCapture, Message: "not a PNG image", Cause: err}
	}
	return ExtractQR(img)
}

// Scan extracts and decodes in one step.
func Scan(img image.Image) (Token, error) {
	data, err := ExtractQR(img)
	if err != nil {
		return Token{}, err
	}
	return Decode(data)
}
