package sni

import (
	"errors"

	"golang.org/x/crypto/cryptobyte"
)

const (
	recordTypeHandshake  uint8  = 0x16
	handshakeClientHello uint8  = 1
	extServerName        uint16 = 0
)

const (
	recordHeaderLen  = 5
	maxRecordPayload = 16384 + 2048
)

var (
	// ErrIncomplete means more bytes are needed before the ClientHello can
	// be parsed. RecordLen tells how many.
	ErrIncomplete = errors.New("incomplete TLS record")
	ErrNotHello   = errors.New("not a TLS ClientHello")
	ErrNoSNI      = errors.New("ClientHello carries no server name")
)

// RecordLen returns the full length (header included) of the TLS record that
// starts at b, or ErrIncomplete when fewer than five bytes are available.
func RecordLen(b []byte) (int, error) {
	if len(b) < recordHeaderLen {
		return 0, ErrIncomplete
	}
	if b[0] != recordTypeHandshake || b[1] != 0x03 {
		return 0, ErrNotHello
	}
	n := int(b[3])<<8 | int(b[4])
	if n == 0 || n > maxRecordPayload {
		return 0, ErrNotHello
	}
	return recordHeaderLen + n, nil
}

// ParseClientHelloSNI extracts the server name from the first TLS record in
// b. The record must be complete; a ClientHello split over several records
// is not reassembled.
func ParseClientHelloSNI(b []byte) (string, error) {
	total, err := RecordLen(b)
	if err != nil {
		return "", err
	}
	if len(b) < total {
		return "", ErrIncomplete
	}
	s := cryptobyte.String(b[recordHeaderLen:total])

	var hsType uint8
	var body cryptobyte.String
	if !s.ReadUint8(&hsType) || hsType != handshakeClientHello {
		return "", ErrNotHello
	}
	if !s.ReadUint24LengthPrefixed(&body) {
		return "", ErrIncomplete
	}
	return serverName(body)
}

func serverName(ch cryptobyte.String) (string, error) {
	var sid, ciphers, comp, exts cryptobyte.String
	if !ch.Skip(2+32) ||
		!ch.ReadUint8LengthPrefixed(&sid) ||
		!ch.ReadUint16LengthPrefixed(&ciphers) ||
		!ch.ReadUint8LengthPrefixed(&comp) {
		return "", ErrNotHello
	}
	if ch.Empty() {
		return "", ErrNoSNI
	}
	if !ch.ReadUint16LengthPrefixed(&exts) {
		return "", ErrNotHello
	}
	for !exts.Empty() {
		var typ uint16
		var data cryptobyte.String
		if !exts.ReadUint16(&typ) || !exts.ReadUint16LengthPrefixed(&data) {
			return "", ErrNotHello
		}
		if typ != extServerName {
			continue
		}
		var names cryptobyte.String
		if !data.ReadUint16LengthPrefixed(&names) {
			return "", ErrNotHello
		}
		for !names.Empty() {
			var nameType uint8
			var host cryptobyte.String
			if !names.ReadUint8(&nameType) || !names.ReadUint16LengthPrefixed(&host) {
				return "", ErrNotHello
			}
			if nameType != 0 || len(host) == 0 {
				continue
			}
			if !validHostName(host) {
				return "", ErrNotHello
			}
			return string(host), nil
		}
	}
	return "", ErrNoSNI
}

func validHostName(b []byte) bool {
	for _, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_':
		default:
			return false
		}
	}
	return true
}
