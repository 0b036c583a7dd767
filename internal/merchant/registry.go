package merchant

import (
	"maps"
	"regexp"
)

// Field is a canonical receipt field a portal form may ask for
type Field string

const (
	FieldTaxID Field = "taxId"
	FieldEmail Field = "email"
	FieldTotal Field = "total"
	FieldFolio Field = "folio"
)

// FieldMapping maps canonical fields to the names used by a portal's form.
// A missing key means the field should not be auto-filled.
type FieldMapping map[Field]string

// KnownMerchant is a curated registry entry
type KnownMerchant struct {
	Name      string
	Pattern   *regexp.Regexp
	TaxID     string
	PortalURL string
	Fields    FieldMapping
}

// Registry returns the built-in merchants in match order. Earlier entries
// win when a ticket matches more than one pattern. The slice is a copy; the
// compiled patterns are shared.
func Registry() []KnownMerchant {
	out := make([]KnownMerchant, len(registry))
	copy(out, registry)
	for i := range out {
		out[i].Fields = maps.Clone(out[i].Fields)
	}
	return out
}

var registry = []KnownMerchant{
	{
		Name:      "Eric Kayser",
		Pattern:   regexp.MustCompile(`(?i)ERIC\s*KAYSER|KAYSER|MAISON`),
		TaxID:     "EKM1404018JI",
		PortalURL: "https://www.maison-kayser.com.mx",
		Fields:    FieldMapping{FieldTaxID: "rfc", FieldEmail: "email", FieldTotal: "monto", FieldFolio: "ticket"},
	},
	{
		Name:      "VIPS",
		Pattern:   regexp.MustCompile(`(?i)VIPS`),
		TaxID:     "RES850101XXX",
		PortalURL: "https://www.vips.com.mx/facturacion",
		Fields:    FieldMapping{FieldTaxID: "rfc", FieldEmail: "correo", FieldTotal: "total", FieldFolio: "folio"},
	},
	{
		Name:      "Starbucks",
		Pattern:   regexp.MustCompile(`(?i)STARBUCKS`),
		TaxID:     "SCC140127XXX",
		PortalURL: "https://www.starbucks.com.mx/facturacion",
		Fields:    FieldMapping{FieldTaxID: "rfc", FieldEmail: "email", FieldTotal: "importe", FieldFolio: "numero_ticket"},
	},
}
