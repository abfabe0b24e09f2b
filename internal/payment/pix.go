// Package payment builds the mock payment-initiation payload returned with a
// checkout: a PIX "copia e cola" BR Code, its QR image and a ticket URL. No
// gateway is called.
package payment

import (
	"encoding/base64"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"
)

// Stub is the payment payload for one order.
type Stub struct {
	QRCode      string `json:"qrCode"`      // BR Code payload
	QRCodeImage string `json:"qrCodeImage"` // base64 PNG
	TicketURL   string `json:"ticketUrl"`
	PaymentID   int64  `json:"paymentId"`
}

// Config describes the receiving merchant.
type Config struct {
	MerchantKey   string // PIX key
	MerchantName  string
	MerchantCity  string
	TicketBaseURL string
	QRSize        int // PNG side in pixels
}

// MaxMerchantKeyLen keeps the merchant account field within the two-digit
// TLV length.
const MaxMerchantKeyLen = 99 - len("0014br.gov.bcb.pix") - len("0100")

// Generator is deterministic: the same order always yields the same stub, so
// replays return what the first response returned.
type Generator struct {
	cfg Config
}

// NewGenerator validates cfg and returns a Generator.
func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.MerchantKey == "" {
		return nil, errors.New("payment: merchant key is required")
	}
	if len(cfg.MerchantKey) > MaxMerchantKeyLen {
		return nil, fmt.Errorf("payment: merchant key longer than %d bytes", MaxMerchantKeyLen)
	}
	if cfg.MerchantName == "" {
		cfg.MerchantName = "MERCHANT"
	}
	if cfg.MerchantCity == "" {
		cfg.MerchantCity = "SAO PAULO"
	}
	if cfg.QRSize <= 0 {
		cfg.QRSize = 256
	}
	cfg.TicketBaseURL = strings.TrimRight(cfg.TicketBaseURL, "/")
	return &Generator{cfg: cfg}, nil
}

// Generate builds the stub for an order total in minor units.
func (g *Generator) Generate(orderID string, total int64) (*Stub, error) {
	if orderID == "" {
		return nil, errors.New("payment: order id is required")
	}
	code := g.brCode(orderID, total)
	png, err := qrcode.Encode(code, qrcode.Medium, g.cfg.QRSize)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return &Stub{
		QRCode:      code,
		QRCodeImage: base64.StdEncoding.EncodeToString(png),
		TicketURL:   g.cfg.TicketBaseURL + "/" + orderID,
		PaymentID:   paymentID(orderID),
	}, nil
}

// FormatAmount renders minor units as a decimal with two places ("12.50").
func FormatAmount(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

func (g *Generator) brCode(orderID string, total int64) string {
	account := tlv("00", "br.gov.bcb.pix") + tlv("01", g.cfg.MerchantKey)

	var b strings.Builder
	b.WriteString(tlv("00", "01")) // payload format indicator
	b.WriteString(tlv("01", "12")) // dynamic, single use
	b.WriteString(tlv("26", account))
	b.WriteString(tlv("52", "0000"))
	b.WriteString(tlv("53", "986")) // BRL
	b.WriteString(tlv("54", FormatAmount(total)))
	b.WriteString(tlv("58", "BR"))
	b.WriteString(tlv("59", truncate(g.cfg.MerchantName, 25)))
	b.WriteString(tlv("60", truncate(g.cfg.MerchantCity, 15)))
	b.WriteString(tlv("62", tlv("05", txid(orderID))))
	b.WriteString("6304")
	return b.String() + fmt.Sprintf("%04X", crc16(b.String()))
}

func tlv(id, value string) string {
	return fmt.Sprintf("%s%02d%s", id, len(value), value)
}

// txid keeps the alphanumerics of the order id, at most 25 of them.
func txid(orderID string) string {
	id := strings.ReplaceAll(orderID, "-", "")
	return truncate(id, 25)
}

// truncate keeps at most n runes of s.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func paymentID(orderID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(orderID))
	return int64(h.Sum64() >> 1)
}

// crc16 is CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF), as the BR Code requires.
func crc16(s string) uint16 {
	crc := uint16(0xFFFF)
	for i := 0; i < len(s); i++ {
		crc ^= uint16(s[i]) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
