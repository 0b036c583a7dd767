package receipt

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// amount is the shared tail of every money label: optional separators, an
// optional currency symbol and a comma-grouped number with up to two decimals
const amount = `[:\s]*\$?\s*([\d,]+\.?\d{0,2})`

var (
	taxIDPattern    = regexp.MustCompile(`[A-ZÑ&]{3,4}[0-9]{6}[A-Z0-9]{3}`)
	folioPattern    = regexp.MustCompile(`(?i)(?:FOLIO|TICKET|NOTA|NO\.?\s*TICKET)[:\s#]*(\w+)`)
	datePattern     = regexp.MustCompile(`\d{1,2}[-/]\d{1,2}[-/]\d{2,4}`)
	subtotalPattern = regexp.MustCompile(`(?i)SUBTOTAL` + amount)
	taxPattern      = regexp.MustCompile(`(?i)\bIVA` + amount)
	noTipPattern    = regexp.MustCompile(`(?i)TOTAL\s+SIN\s+PROPINA` + amount)

	// \b keeps SUBTOTAL lines from being read as the total
	totalPattern = regexp.MustCompile(`(?i)\bTOTAL` + amount)
)

// Extract turns raw OCR text into a Receipt. It never fails: fields that
// cannot be found are left empty or zero.
func Extract(text string) *Receipt {
	subtotal := findAmount(subtotalPattern, text)
	tax := findAmount(taxPattern, text)

	return &Receipt{
		MerchantName: guessMerchantName(text),
		IssuerTaxID:  taxIDPattern.FindString(text),
		Folio:        findGroup(folioPattern, text),
		Date:         datePattern.FindString(text),
		Subtotal:     subtotal,
		Tax:          tax,
		Total:        computeTotal(text, subtotal, tax),
		RawText:      text,
	}
}

// computeTotal applies the invoicing precedence. The tip-free total always
// wins, then subtotal plus tax, then whatever the bare TOTAL line says.
func computeTotal(text string, subtotal, tax decimal.Decimal) decimal.Decimal {
	total := findAmount(noTipPattern, text)
	if total.IsZero() && subtotal.IsPositive() {
		total = subtotal.Add(tax)
	}
	if total.IsZero() {
		total = findAmount(totalPattern, text)
	}
	return total
}

// guessMerchantName returns the first line with more than three characters
func guessMerchantName(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if utf8.RuneCountInString(line) > 3 {
			return line
		}
	}
	return UnknownMerchant
}

func findGroup(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// findAmount parses the captured number, treating commas as thousands
// separators. Anything unparseable counts as zero.
func findAmount(re *regexp.Regexp, text string) decimal.Decimal {
	raw := strings.ReplaceAll(findGroup(re, text), ",", "")
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil || d.IsNegative() {
		return decimal.Zero
	}
	return d
}
