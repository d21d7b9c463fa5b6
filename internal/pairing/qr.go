package pairing

import (
	"fmt"
	"net/url"

	qrcode "github.com/skip2/go-qrcode"
)

// URIScheme prefixes pairing payloads encoded into QR codes.
const URIScheme = "thane-mesh"

// PairingURI builds the payload a device scans to join: the hub's
// WebSocket address and the token.
func PairingURI(hubURL string, tok Token) string {
	q := url.Values{}
	q.Set("hub", hubURL)
	q.Set("token", tok.Value)
	return URIScheme + "://pair?" + q.Encode()
}

// ParsePairingURI extracts the hub address and token from a payload
// built by [PairingURI].
func ParsePairingURI(raw string) (hubURL, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse pairing uri: %w", err)
	}
	if u.Scheme != URIScheme || u.Host != "pair" {
		return "", "", fmt.Errorf("not a pairing uri: %q", raw)
	}
	hubURL = u.Query().Get("hub")
	token = u.Query().Get("token")
	if token == "" {
		return "", "", fmt.Errorf("pairing uri has no token")
	}
	return hubURL, token, nil
}

// QRCode renders payload as a PNG of the given pixel size.
func QRCode(payload string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(payload, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr code: %w", err)
	}
	return png, nil
}

// QRText renders payload as block characters for display in a
// terminal.
func QRText(payload string) (string, error) {
	q, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("encode qr code: %w", err)
	}
	return q.ToString(false), nil
}
