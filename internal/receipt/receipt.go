package receipt

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// UnknownMerchant is used as the merchant name when no line of the text qualifies
const UnknownMerchant = "Restaurante"

// Receipt holds the fields extracted from the OCR text of a single ticket.
// Amounts are never negative and default to zero.
type Receipt struct {
	MerchantName string          `json:"merchant_name"`
	IssuerTaxID  string          `json:"issuer_tax_id"`
	Folio        string          `json:"folio"`
	Date         string          `json:"date"` // as printed, not validated
	Subtotal     decimal.Decimal `json:"subtotal"`
	Tax          decimal.Decimal `json:"tax"`
	Total        decimal.Decimal `json:"total"` // tip excluded
	RawText      string          `json:"raw_text"`
}

// MarshalJSON writes amounts as two-decimal strings ("116.00"), the same
// form the portal query and the summary use
func (r Receipt) MarshalJSON() ([]byte, error) {
	type plain Receipt
	return json.Marshal(struct {
		plain
		Subtotal string `json:"subtotal"`
		Tax      string `json:"tax"`
		Total    string `json:"total"`
	}{
		plain:    plain(r),
		Subtotal: r.Subtotal.StringFixed(2),
		Tax:      r.Tax.StringFixed(2),
		Total:    r.Total.StringFixed(2),
	})
}
