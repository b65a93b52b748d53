package report

import (
	"errors"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

const defaultQRSize = 256

// CheckinQR encodes the check-in URL for one window as a PNG QR code.
// Teachers project it; students scan it and land on the check-in page
// with the window preselected. Returns the image and the encoded URL.
func CheckinQR(baseURL, windowID string, size int) ([]byte, string, error) {
	if baseURL == "" || windowID == "" {
		return nil, "", errors.New("base URL and window required")
	}
	if size <= 0 {
		size = defaultQRSize
	}
	target := fmt.Sprintf("%s/checkin?window=%s", baseURL, windowID)
	png, err := qrcode.Encode(target, qrcode.Medium, size)
	if err != nil {
		return nil, "", fmt.Errorf("encode qr: %w", err)
	}
	return png, target, nil
}
