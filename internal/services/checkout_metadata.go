package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/larderworks/api/internal/domain"
)

const (
	metadataSchemaVersion = "1"
	// Stripe accepts at most 50 keys with values up to 500 characters.
	metadataMaxKeys     = 50
	metadataMaxValueLen = 500

	metaVersion   = "v"
	metaEmail     = "email"
	metaName      = "name"
	metaPhone     = "phone"
	metaCompany   = "company"
	metaAccountID = "account_id"
	metaNotes     = "notes"
	metaCurrency  = "currency"
	metaNet       = "net"
	metaGross     = "gross"
	metaShipping  = "shipping"
	metaTotal     = "total"
	metaCart      = "cart"
	metaCartParts = "cart_parts"
	metaBillSame  = "bill_same"
	metaSignature = "sig"

	sigPrefixHMAC   = "h1:"
	sigPrefixDigest = "d1:"
)

// SessionMetadata is everything needed to rebuild an order from a completed session.
type SessionMetadata struct {
	AccountID             *string
	Contact               domain.ContactDetails
	Shipping              domain.Address
	Billing               domain.Address
	BillingSameAsShipping bool
	Notes                 string
	Currency              string
	Net                   decimal.Decimal
	Gross                 decimal.Decimal
	ShippingFee           decimal.Decimal
	Total                 decimal.Decimal
	Lines                 []MetadataLine
}

// MetadataLine is the snapshot of one cart line carried through the gateway.
type MetadataLine struct {
	ProductID   string
	ProductName string
	Tier        string
	Quantity    int
	UnitGross   decimal.Decimal
}

// MetadataCodec encodes and defensively decodes session metadata. With a signing key the
// payload carries an HMAC; without one a plain digest that only detects truncation.
type MetadataCodec struct {
	key []byte
}

// NewMetadataCodec builds a codec. An empty key selects digest mode.
func NewMetadataCodec(signingKey string) *MetadataCodec {
	key := strings.TrimSpace(signingKey)
	if key == "" {
		return &MetadataCodec{}
	}
	return &MetadataCodec{key: []byte(key)}
}

type addressKeys struct {
	line1, line2, city, postal, province, country string
}

func addressKeysFor(prefix string) addressKeys {
	return addressKeys{
		line1:    prefix + "_line1",
		line2:    prefix + "_line2",
		city:     prefix + "_city",
		postal:   prefix + "_postal",
		province: prefix + "_province",
		country:  prefix + "_country",
	}
}

var (
	shippingKeys = addressKeysFor("ship")
	billingKeys  = addressKeysFor("bill")
)

// Encode flattens the metadata into gateway key/value pairs.
func (c *MetadataCodec) Encode(m SessionMetadata) (map[string]string, error) {
	out := map[string]string{
		metaVersion:  metadataSchemaVersion,
		metaEmail:    m.Contact.Email,
		metaName:     m.Contact.Name,
		metaPhone:    m.Contact.Phone,
		metaCompany:  m.Contact.Company,
		metaNotes:    m.Notes,
		metaCurrency: m.Currency,
		metaNet:      m.Net.StringFixedBank(2),
		metaGross:    m.Gross.StringFixed(2),
		metaShipping: m.ShippingFee.StringFixed(2),
		metaTotal:    m.Total.StringFixed(2),
	}
	if m.AccountID != nil {
		out[metaAccountID] = *m.AccountID
	}
	putAddress(out, shippingKeys, m.Shipping)
	if m.BillingSameAsShipping || m.Billing.IsZero() {
		out[metaBillSame] = "1"
	} else {
		putAddress(out, billingKeys, m.Billing)
	}

	for key, value := range out {
		if value == "" {
			delete(out, key)
			continue
		}
		if utf8.RuneCountInString(value) > metadataMaxValueLen {
			return nil, fmt.Errorf("%w: field %s exceeds %d characters", ErrInvalidCheckoutInput, key, metadataMaxValueLen)
		}
	}

	cart, err := encodeCartLines(m.Lines)
	if err != nil {
		return nil, err
	}
	parts := chunkRunes(cart, metadataMaxValueLen)
	// Reserve one key for the signature and one for the part count.
	if len(out)+len(parts)+2 > metadataMaxKeys {
		return nil, fmt.Errorf("%w: %d cart lines need %d metadata values", ErrCartTooLarge, len(m.Lines), len(parts))
	}
	out[metaCart] = parts[0]
	if len(parts) > 1 {
		out[metaCartParts] = strconv.Itoa(len(parts))
		for i := 1; i < len(parts); i++ {
			out[cartPartKey(i)] = parts[i]
		}
	}

	out[metaSignature] = c.sign(out)
	return out, nil
}

// Decode rebuilds SessionMetadata, validating shape, signature and arithmetic. amountTotal is
// the gateway-reported total in minor units, or zero when unknown. Every failure wraps
// ErrMalformedMetadata.
func (c *MetadataCodec) Decode(md map[string]string, amountTotal int64) (SessionMetadata, error) {
	if len(md) == 0 {
		return SessionMetadata{}, malformed("metadata is empty")
	}
	if md[metaVersion] != metadataSchemaVersion {
		return SessionMetadata{}, malformed("unsupported schema version %q", md[metaVersion])
	}
	if err := c.verify(md); err != nil {
		return SessionMetadata{}, err
	}

	email, err := NormalizeEmail(md[metaEmail])
	if err != nil {
		return SessionMetadata{}, malformed("email: %v", err)
	}
	name := strings.TrimSpace(md[metaName])
	if name == "" {
		return SessionMetadata{}, malformed("name is missing")
	}
	currency := strings.ToUpper(strings.TrimSpace(md[metaCurrency]))
	if currency == "" {
		return SessionMetadata{}, malformed("currency is missing")
	}

	out := SessionMetadata{
		Contact: domain.ContactDetails{
			Email:   email,
			Name:    name,
			Phone:   strings.TrimSpace(md[metaPhone]),
			Company: strings.TrimSpace(md[metaCompany]),
		},
		Shipping: readAddress(md, shippingKeys),
		Notes:    md[metaNotes],
		Currency: currency,
	}
	if account := strings.TrimSpace(md[metaAccountID]); account != "" {
		out.AccountID = &account
	}
	if md[metaBillSame] == "1" {
		out.BillingSameAsShipping = true
		out.Billing = out.Shipping
	} else {
		out.Billing = readAddress(md, billingKeys)
	}

	amounts := []struct {
		key    string
		target *decimal.Decimal
	}{
		{metaNet, &out.Net},
		{metaGross, &out.Gross},
		{metaShipping, &out.ShippingFee},
		{metaTotal, &out.Total},
	}
	for _, a := range amounts {
		value, err := parseAmount(md[a.key])
		if err != nil {
			return SessionMetadata{}, malformed("%s: %v", a.key, err)
		}
		*a.target = value
	}

	cart, err := joinCartParts(md)
	if err != nil {
		return SessionMetadata{}, err
	}
	lines, err := decodeCartLines(cart)
	if err != nil {
		return SessionMetadata{}, err
	}
	out.Lines = lines

	sum := decimal.Zero
	for _, line := range lines {
		sum = sum.Add(domain.LineGross(line.UnitGross, line.Quantity))
	}
	if !sum.Equal(out.Gross) {
		return SessionMetadata{}, malformed("line sum %s does not match gross %s", sum.StringFixed(2), out.Gross.StringFixed(2))
	}
	if !out.Gross.Add(out.ShippingFee).Equal(out.Total) {
		return SessionMetadata{}, malformed("gross plus shipping does not match total")
	}
	if out.Net.GreaterThan(out.Gross) {
		return SessionMetadata{}, malformed("net exceeds gross")
	}
	if amountTotal > 0 && domain.ToMinor(out.Total) != amountTotal {
		return SessionMetadata{}, malformed("total %s does not match charged amount %d", out.Total.StringFixed(2), amountTotal)
	}
	return out, nil
}

func (c *MetadataCodec) sign(md map[string]string) string {
	canonical := canonicalMetadata(md)
	if len(c.key) == 0 {
		sum := sha256.Sum256(canonical)
		return sigPrefixDigest + hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, c.key)
	mac.Write(canonical)
	return sigPrefixHMAC + hex.EncodeToString(mac.Sum(nil))
}

func (c *MetadataCodec) verify(md map[string]string) error {
	got := md[metaSignature]
	if got == "" {
		return malformed("signature is missing")
	}
	if len(c.key) > 0 && !strings.HasPrefix(got, sigPrefixHMAC) {
		return malformed("signature mode is not accepted")
	}
	want := c.sign(md)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return malformed("signature mismatch")
	}
	return nil
}

func canonicalMetadata(md map[string]string) []byte {
	keys := lo.Filter(lo.Keys(md), func(k string, _ int) bool { return k != metaSignature })
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(md[k])
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func putAddress(out map[string]string, keys addressKeys, addr domain.Address) {
	out[keys.line1] = addr.Line1
	out[keys.line2] = addr.Line2
	out[keys.city] = addr.City
	out[keys.postal] = addr.PostalCode
	out[keys.province] = addr.Province
	out[keys.country] = addr.Country
}

func readAddress(md map[string]string, keys addressKeys) domain.Address {
	return domain.Address{
		Line1:      strings.TrimSpace(md[keys.line1]),
		Line2:      strings.TrimSpace(md[keys.line2]),
		City:       strings.TrimSpace(md[keys.city]),
		PostalCode: strings.TrimSpace(md[keys.postal]),
		Province:   strings.TrimSpace(md[keys.province]),
		Country:    strings.ToUpper(strings.TrimSpace(md[keys.country])),
	}
}

func cartPartKey(i int) string {
	return metaCart + "_" + strconv.Itoa(i)
}

func encodeCartLines(lines []MetadataLine) (string, error) {
	if len(lines) == 0 {
		return "", ErrEmptyCart
	}
	rows := lo.Map(lines, func(l MetadataLine, _ int) []any {
		return []any{l.ProductID, l.ProductName, l.Tier, l.Quantity, l.UnitGross.StringFixed(2)}
	})
	data, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("checkout: encode cart: %w", err)
	}
	return string(data), nil
}

func joinCartParts(md map[string]string) (string, error) {
	first, ok := md[metaCart]
	if !ok || first == "" {
		return "", malformed("cart is missing")
	}
	rawParts, hasParts := md[metaCartParts]
	if !hasParts {
		return first, nil
	}
	parts, err := strconv.Atoi(rawParts)
	if err != nil || parts < 2 || parts > metadataMaxKeys {
		return "", malformed("cart part count %q", rawParts)
	}
	var b strings.Builder
	b.WriteString(first)
	for i := 1; i < parts; i++ {
		part, ok := md[cartPartKey(i)]
		if !ok || part == "" {
			return "", malformed("cart part %d is missing", i)
		}
		b.WriteString(part)
	}
	return b.String(), nil
}

func decodeCartLines(cart string) ([]MetadataLine, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal([]byte(cart), &rows); err != nil {
		return nil, malformed("cart is not valid JSON: %v", err)
	}
	if len(rows) == 0 {
		return nil, malformed("cart has no lines")
	}
	lines := make([]MetadataLine, 0, len(rows))
	for i, row := range rows {
		if len(row) != 5 {
			return nil, malformed("cart line %d has %d fields", i, len(row))
		}
		var (
			line  MetadataLine
			price string
		)
		if err := json.Unmarshal(row[0], &line.ProductID); err != nil {
			return nil, malformed("cart line %d product: %v", i, err)
		}
		if err := json.Unmarshal(row[1], &line.ProductName); err != nil {
			return nil, malformed("cart line %d name: %v", i, err)
		}
		if err := json.Unmarshal(row[2], &line.Tier); err != nil {
			return nil, malformed("cart line %d tier: %v", i, err)
		}
		if err := json.Unmarshal(row[3], &line.Quantity); err != nil {
			return nil, malformed("cart line %d quantity: %v", i, err)
		}
		if err := json.Unmarshal(row[4], &price); err != nil {
			return nil, malformed("cart line %d price: %v", i, err)
		}
		if strings.TrimSpace(line.ProductID) == "" || strings.TrimSpace(line.Tier) == "" {
			return nil, malformed("cart line %d misses product or tier", i)
		}
		if line.Quantity <= 0 || line.Quantity > MaxLineQuantity {
			return nil, malformed("cart line %d quantity %d", i, line.Quantity)
		}
		unit, err := parseAmount(price)
		if err != nil || unit.IsZero() {
			return nil, malformed("cart line %d price %q", i, price)
		}
		line.UnitGross = unit
		if line.ProductName == "" {
			line.ProductName = line.ProductID
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("missing")
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, err
	}
	if value.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative amount %s", raw)
	}
	if value.Exponent() < -2 {
		return decimal.Zero, fmt.Errorf("more than two decimals in %s", raw)
	}
	return value, nil
}

func chunkRunes(s string, size int) []string {
	if utf8.RuneCountInString(s) <= size {
		return []string{s}
	}
	runes := []rune(s)
	parts := make([]string, 0, len(runes)/size+1)
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		parts = append(parts, string(runes[start:end]))
	}
	return parts
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMetadata, fmt.Sprintf(format, args...))
}
