package merchant

import (
	"maps"
	"regexp"
	"strings"

	"github.com/westcon-mx/facturador/internal/receipt"
)

// Origin records where a portal decision came from
type Origin string

const (
	OriginPredefined Origin = "predefined"
	OriginLearned    Origin = "learned"
	OriginDetected   Origin = "detected"
	OriginManual     Origin = "manual"
)

// Decision is the invoicing portal chosen for a receipt
type Decision struct {
	URL          string       `json:"url"`
	MerchantName string       `json:"merchant_name"`
	Fields       FieldMapping `json:"fields"`
	Origin       Origin       `json:"origin"`
}

// urlPattern finds a bare web address printed on the ticket
var urlPattern = regexp.MustCompile(`(?i)(www\.[a-z0-9\-.]+(?:/[^\s]*)?|https?://[^\s]+)`)

// strategies is the fixed resolution order. Curated entries come first,
// then user-taught ones, then whatever address the ticket prints.
var strategies = []Origin{OriginPredefined, OriginLearned, OriginDetected}

// LearnedSource is the read side of the learned merchant store
type LearnedSource interface {
	Match(text string) (LearnedMerchant, bool)
}

// Resolver picks the invoicing portal for an extracted receipt
type Resolver struct {
	registry []KnownMerchant
	learned  LearnedSource
}

// NewResolver creates a Resolver over the given registry and learned store
func NewResolver(registry []KnownMerchant, learned LearnedSource) *Resolver {
	return &Resolver{
		registry: registry,
		learned:  learned,
	}
}

// Resolve returns the first decision produced by the strategies in order.
// ok is false when the user has to supply the portal by hand.
func (r *Resolver) Resolve(rec *receipt.Receipt) (Decision, bool) {
	for _, origin := range strategies {
		var (
			d  Decision
			ok bool
		)
		switch origin {
		case OriginPredefined:
			d, ok = r.matchRegistry(rec.RawText)
		case OriginLearned:
			d, ok = r.matchLearned(rec.RawText)
		case OriginDetected:
			d, ok = detectURL(rec)
		}
		if ok {
			return d, true
		}
	}
	return Decision{}, false
}

func (r *Resolver) matchRegistry(text string) (Decision, bool) {
	for _, m := range r.registry {
		if m.Pattern.MatchString(text) {
			return Decision{
				URL:          m.PortalURL,
				MerchantName: m.Name,
				Fields:       maps.Clone(m.Fields),
				Origin:       OriginPredefined,
			}, true
		}
	}
	return Decision{}, false
}

func (r *Resolver) matchLearned(text string) (Decision, bool) {
	if r.learned == nil {
		return Decision{}, false
	}
	m, ok := r.learned.Match(text)
	if !ok {
		return Decision{}, false
	}
	return Decision{
		URL:          m.PortalURL,
		MerchantName: m.Name,
		Fields:       FieldMapping{},
		Origin:       OriginLearned,
	}, true
}

func detectURL(rec *receipt.Receipt) (Decision, bool) {
	found := urlPattern.FindString(rec.RawText)
	if found == "" {
		return Decision{}, false
	}
	return Decision{
		URL:          NormalizeURL(found),
		MerchantName: rec.MerchantName,
		Fields:       FieldMapping{},
		Origin:       OriginDetected,
	}, true
}

// NormalizeURL trims raw and prefixes https:// when no http scheme is given
func NormalizeURL(raw string) string {
	url := strings.TrimSpace(raw)
	if !strings.HasPrefix(strings.ToLower(url), "http") {
		url = "https://" + url
	}
	return url
}
