package payment

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGenerator(t *testing.T) *Generator {
	t.Helper()
	g, err := NewGenerator(Config{
		MerchantKey:   "pix@example.com",
		MerchantName:  "Example Store With A Very Long Name",
		MerchantCity:  "Rio de Janeiro",
		TicketBaseURL: "https://pay.example.com/tickets/",
		QRSize:        128,
	})
	require.NoError(t, err)
	return g
}

func TestCRC16(t *testing.T) {
	assert.Equal(t, uint16(0x29B1), crc16("123456789"))
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "2.00", FormatAmount(200))
	assert.Equal(t, "0.05", FormatAmount(5))
	assert.Equal(t, "1234.56", FormatAmount(123456))
}

func TestGenerate(t *testing.T) {
	g := newTestGenerator(t)
	const orderID = "0b8f6a3e-4c1d-4f6e-9a7b-2d5c8e1f0a93"

	stub, err := g.Generate(orderID, 200)
	require.NoError(t, err)

	assert.Equal(t, "https://pay.example.com/tickets/"+orderID, stub.TicketURL)
	assert.Positive(t, stub.PaymentID)

	code := stub.QRCode
	assert.True(t, strings.HasPrefix(code, "000201010212"))
	assert.Contains(t, code, "0014br.gov.bcb.pix0115pix@example.com")
	assert.Contains(t, code, "54042.00")
	assert.Contains(t, code, "5925Example Store With A Very")
	assert.Contains(t, code, "6014Rio de Janeiro")
	assert.Contains(t, code, "0525"+strings.ReplaceAll(orderID, "-", "")[:25])

	body, crc := code[:len(code)-4], code[len(code)-4:]
	assert.True(t, strings.HasSuffix(body, "6304"))
	assert.Equal(t, fmt.Sprintf("%04X", crc16(body)), crc)

	png, err := base64.StdEncoding.DecodeString(stub.QRCodeImage)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
}

func TestGenerateIsDeterministic(t *testing.T) {
	g := newTestGenerator(t)
	a, err := g.Generate("order-1", 999)
	require.NoError(t, err)
	b, err := g.Generate("order-1", 999)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := g.Generate("order-2", 999)
	require.NoError(t, err)
	assert.NotEqual(t, a.PaymentID, c.PaymentID)
}

func TestConfigValidation(t *testing.T) {
	_, err := NewGenerator(Config{})
	assert.Error(t, err)

	g, err := NewGenerator(Config{MerchantKey: "k"})
	require.NoError(t, err)
	_, err = g.Generate("", 1)
	assert.Error(t, err)
}

func TestMerchantKeyLength(t *testing.T) {
	assert.Equal(t, 77, MaxMerchantKeyLen)

	_, err := NewGenerator(Config{MerchantKey: strings.Repeat("k", MaxMerchantKeyLen+1)})
	assert.Error(t, err)

	g, err := NewGenerator(Config{MerchantKey: strings.Repeat("k", MaxMerchantKeyLen)})
	require.NoError(t, err)
	stub, err := g.Generate("o1", 100)
	require.NoError(t, err)
	assert.Contains(t, stub.QRCode, "2699")
}

func TestTruncateKeepsRunes(t *testing.T) {
	assert.Equal(t, "SÃO", truncate("SÃO PAULO", 3))
	assert.Equal(t, "abc", truncate("abc", 5))

	g, err := NewGenerator(Config{MerchantKey: "k", MerchantCity: "SÃO JOSÉ DOS CAMPOS"})
	require.NoError(t, err)
	stub, err := g.Generate("o1", 100)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(stub.QRCode))
	assert.Contains(t, stub.QRCode, "6017SÃO JOSÉ DOS CA")
}
