package fiscal

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/westcon-mx/facturador/internal/merchant"
	"github.com/westcon-mx/facturador/internal/receipt"
)

// Profile is the buyer's own tax identity
type Profile struct {
	TaxID      string `json:"rfc"`
	LegalName  string `json:"razon_social"`
	Email      string `json:"email"`
	PostalCode string `json:"cp"`
	CFDIUsage  string `json:"uso_cfdi"`
	TaxRegime  string `json:"regimen_fiscal"`
}

// Westcon is the fixed profile every invoice is requested for
var Westcon = Profile{
	TaxID:      "WME000218GK3",
	LegalName:  "Westcon México",
	Email:      "fabian.gomez2@tdsynnex.com",
	PostalCode: "03100",
	CFDIUsage:  "G03",
	TaxRegime:  "601",
}

// Query parameter names portal auto-fill scripts rely on
const (
	ParamBuyerTaxID  = "rfc"
	ParamLegalName   = "razon_social"
	ParamEmail       = "email"
	ParamPostalCode  = "cp"
	ParamCFDIUsage   = "uso_cfdi"
	ParamTaxRegime   = "regimen_fiscal"
	ParamIssuerTaxID = "rfc_emisor"
	ParamFolio       = "folio"
	ParamDate        = "fecha"
	ParamTotal       = "total"
)

// ErrNoPortal is returned when a request is built without a portal URL
var ErrNoPortal = errors.New("no portal url")

// Request is what gets handed to the browser and the clipboard
type Request struct {
	URL     string `json:"url"`
	Summary string `json:"summary"`
}

// BuildRequest composes the portal URL with every fiscal field as a query
// parameter, plus the plain-text summary used when the portal ignores them.
func BuildRequest(p Profile, rec *receipt.Receipt, d merchant.Decision) (Request, error) {
	// built first so it exists even if the URL turns out unusable
	summary := Summary(p, rec, &d)

	if strings.TrimSpace(d.URL) == "" {
		return Request{Summary: summary}, ErrNoPortal
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return Request{Summary: summary}, fmt.Errorf("parsing portal url %q: %w", d.URL, err)
	}

	q := u.Query()
	for k, v := range Params(p, rec) {
		q[k] = v
	}
	u.RawQuery = q.Encode()

	return Request{URL: u.String(), Summary: summary}, nil
}

// Params returns the fiscal query parameters for a receipt
func Params(p Profile, rec *receipt.Receipt) url.Values {
	return url.Values{
		ParamBuyerTaxID:  {p.TaxID},
		ParamEmail:       {p.Email},
		ParamPostalCode:  {p.PostalCode},
		ParamLegalName:   {p.LegalName},
		ParamCFDIUsage:   {p.CFDIUsage},
		ParamTaxRegime:   {p.TaxRegime},
		ParamIssuerTaxID: {rec.IssuerTaxID},
		ParamFolio:       {rec.Folio},
		ParamDate:        {rec.Date},
		ParamTotal:       {rec.Total.StringFixed(2)},
	}
}

const rule = "━━━━━━━━━━━━━━━━━━━━━━━━━"

// Summary formats the buyer and receipt data for manual transcription.
// The portal line is left out when d is nil.
func Summary(p Profile, rec *receipt.Receipt, d *merchant.Decision) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s\nDATOS PARA FACTURACIÓN\n%s\n\n", rule, rule)

	fmt.Fprintf(&b, "%s\n", cases.Upper(language.LatinAmericanSpanish).String(p.LegalName))
	fmt.Fprintf(&b, "RFC: %s\n", p.TaxID)
	fmt.Fprintf(&b, "Razón Social: %s\n", p.LegalName)
	fmt.Fprintf(&b, "Email: %s\n", p.Email)
	fmt.Fprintf(&b, "C.P.: %s\n", p.PostalCode)
	fmt.Fprintf(&b, "Uso CFDI: %s (Gastos en general)\n", p.CFDIUsage)
	fmt.Fprintf(&b, "Régimen Fiscal: %s\n\n", p.TaxRegime)

	fmt.Fprintf(&b, "%s\nDATOS DEL TICKET\n%s\n\n", rule, rule)

	fmt.Fprintf(&b, "Restaurante: %s\n", rec.MerchantName)
	fmt.Fprintf(&b, "RFC Emisor: %s\n", rec.IssuerTaxID)
	fmt.Fprintf(&b, "Folio: %s\n", rec.Folio)
	fmt.Fprintf(&b, "Fecha: %s\n", rec.Date)
	fmt.Fprintf(&b, "Total a facturar: $%s\n\n", rec.Total.StringFixed(2))

	b.WriteString(rule + "\n")
	if d != nil && d.URL != "" {
		fmt.Fprintf(&b, "Portal: %s\n", d.URL)
	}
	b.WriteString(rule)

	return b.String()
}
