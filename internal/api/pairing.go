package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/nugget/thane-mesh/internal/pairing"
)

// PairingTokenResponse is returned when a pairing token is issued.
type PairingTokenResponse struct {
	pairing.Token
	// URI is the payload to hand the device, usually as a QR code.
	URI string `json:"uri"`
	// QRPath serves URI as a PNG.
	QRPath string `json:"qr_path"`
}

// hubURL is the address devices should dial, as embedded in pairing
// payloads.
func (s *Server) hubURL(r *http.Request) string {
	if s.publicURL != "" {
		return s.publicURL
	}
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	return scheme + "://" + r.Host + DevicePath
}

func (s *Server) authority(w http.ResponseWriter) (*pairing.Authority, bool) {
	auth := s.mesh.Pairing()
	if auth == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "pairing not configured")
		return nil, false
	}
	return auth, true
}

func (s *Server) handlePairingIssue(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.authority(w)
	if !ok {
		return
	}
	tok, err := auth.IssueToken()
	if err != nil {
		s.logger.Error("issue pairing token failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	s.respond(w, http.StatusCreated, PairingTokenResponse{
		Token:  tok,
		URI:    pairing.PairingURI(s.hubURL(r), tok),
		QRPath: "/v1/pairing/tokens/" + tok.Value + "/qr.png",
	})
}

func (s *Server) handlePairingQR(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.authority(w)
	if !ok {
		return
	}
	value := r.PathValue("token")
	if err := auth.Verify(value); err != nil {
		code := http.StatusNotFound
		if errors.Is(err, pairing.ErrTokenExpired) {
			code = http.StatusGone
		}
		s.errorResponse(w, code, err.Error())
		return
	}

	size := 256
	if v := r.URL.Query().Get("size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 64 && n <= 1024 {
			size = n
		}
	}
	png, err := pairing.QRCode(pairing.PairingURI(s.hubURL(r), pairing.Token{Value: value}), size)
	if err != nil {
		s.logger.Error("render pairing qr failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to render qr code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(png); err != nil {
		s.logger.Debug("failed to write qr code", "error", err)
	}
}

func (s *Server) handlePairedList(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.authority(w)
	if !ok {
		return
	}
	devices, err := auth.Paired()
	if err != nil {
		s.logger.Error("list paired devices failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list paired devices")
		return
	}
	if devices == nil {
		devices = []pairing.PairedDevice{}
	}
	s.respond(w, http.StatusOK, map[string]any{
		"count":              len(devices),
		"devices":            devices,
		"outstanding_tokens": auth.Outstanding(),
	})
}

func (s *Server) handlePairedForget(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.authority(w)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := auth.Forget(id); err != nil {
		s.logger.Error("forget device failed", "device_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to forget device")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
