package contracts

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldAccents strips combining marks, so "Mês" becomes "Mes".
func foldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// NormalizeCoupon trims and upper-cases a coupon code.
func NormalizeCoupon(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NormalizeKey lower-cases, trims and removes accents. It is used for plan
// labels and catalog names.
func NormalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(foldAccents(s)))
}

var planAliases = map[string]string{
	"mensal":    PlanMonthly,
	"monthly":   PlanMonthly,
	"mes":       PlanMonthly,
	"bimestral": PlanBimonthly,
	"bimonthly": PlanBimonthly,
	"anual":     PlanAnnual,
	"annual":    PlanAnnual,
	"yearly":    PlanAnnual,
	"bianual":   PlanBiannual,
	"bienal":    PlanBiannual,
	"biannual":  PlanBiannual,
	"trianual":  PlanTriannual,
	"trienal":   PlanTriannual,
	"triannual": PlanTriannual,
}

// NormalizePlan maps free-form plan names to a bucket label. Unknown labels
// are returned normalized so they can still be matched literally.
func NormalizePlan(label string) string {
	k := NormalizeKey(label)
	if k == "" {
		return PlanUnassigned
	}
	if p, ok := planAliases[k]; ok {
		return p
	}
	for _, w := range strings.Fields(k) {
		if p, ok := planAliases[w]; ok {
			return p
		}
	}
	return k
}

// PlanFromDays maps a charge interval in days to a bucket label.
func PlanFromDays(days int) string {
	switch {
	case days <= 0:
		return PlanUnassigned
	case days <= 31:
		return PlanMonthly
	case days <= 62:
		return PlanBimonthly
	case days <= 366:
		return PlanAnnual
	case days <= 731:
		return PlanBiannual
	default:
		return PlanTriannual
	}
}
