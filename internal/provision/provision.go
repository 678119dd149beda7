// Package provision renders device provisioning QR codes for phone apps.
package provision

import (
	"encoding/json"
	"strings"

	"github.com/juju/errors"
	"github.com/skip2/go-qrcode"
	"github.com/smartdrip/driplink/sec1"
)

const (
	Version       = "v1"
	TransportBLE  = "ble"
	TransportMQTT = "mqtt"
)

type Payload struct {
	Version   string `json:"ver"`
	Name      string `json:"name"`
	PoP       string `json:"pop,omitempty"`
	Transport string `json:"transport"`
}

func (p *Payload) Validate() error {
	if p.Name == "" {
		return errors.NotValidf("provision name empty")
	}
	switch p.Transport {
	case TransportBLE, TransportMQTT:
	default:
		return errors.NotValidf("provision transport=%s", p.Transport)
	}
	return sec1.ValidatePoP(p.PoP)
}

func (p *Payload) Text() (string, error) {
	if p.Version == "" {
		p.Version = Version
	}
	if err := p.Validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(p)
	return string(b), err
}

func QR(text string) (*qrcode.QRCode, error) {
	qr, err := qrcode.New(text, qrcode.Medium)
	if err != nil {
		return nil, errors.Annotate(err, "QR")
	}
	return qr, nil
}

// PNG image size is in pixels.
func PNG(text string, size int) ([]byte, error) {
	qr, err := QR(text)
	if err != nil {
		return nil, err
	}
	return qr.PNG(size)
}

// Terminal draws two characters per module, dark modules as spaces
// so code scans on usual dark terminal background.
func Terminal(text string) (string, error) {
	qr, err := QR(text)
	if err != nil {
		return "", err
	}
	bitmap := qr.Bitmap()
	b := strings.Builder{}
	if len(bitmap) != 0 {
		b.Grow((2*len(bitmap[0]) + 1) * len(bitmap) * 3)
	}
	for _, row := range bitmap {
		for _, dark := range row {
			if dark {
				b.WriteString("  ")
			} else {
				b.WriteString("██")
			}
		}
		b.WriteRune('\n')
	}
	return b.String(), nil
}
