package policy

import (
	"fmt"
	"sort"
	"strings"
)

// countryNames is the fixed allow-list of exit/entry country codes the
// subsystem accepts. Codes outside this list are rejected wholesale with
// the full list surfaced to the caller.
var countryNames = map[string]string{
	"AR": "Argentina", "AT": "Austria", "AU": "Australia", "BE": "Belgium",
	"BG": "Bulgaria", "BR": "Brazil", "CA": "Canada", "CH": "Switzerland",
	"CZ": "Czechia", "DE": "Germany", "DK": "Denmark", "EE": "Estonia",
	"ES": "Spain", "FI": "Finland", "FR": "France", "GB": "United Kingdom",
	"HK": "Hong Kong", "HU": "Hungary", "IE": "Ireland", "IN": "India",
	"IS": "Iceland", "IT": "Italy", "JP": "Japan", "KR": "South Korea",
	"LT": "Lithuania", "LU": "Luxembourg", "LV": "Latvia", "MX": "Mexico",
	"NL": "Netherlands", "NO": "Norway", "NZ": "New Zealand", "PL": "Poland",
	"PT": "Portugal", "RO": "Romania", "RS": "Serbia", "SE": "Sweden",
	"SG": "Singapore", "SK": "Slovakia", "TW": "Taiwan", "UA": "Ukraine",
	"US": "United States", "ZA": "South Africa",
}

// AllowedCountries returns the sorted allow-list of accepted codes.
func AllowedCountries() []string {
	out := make([]string, 0, len(countryNames))
	for code := range countryNames {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// CountryError reports a code outside the allow-list, carrying the full
// list so the caller can present valid choices.
type CountryError struct {
	Code    string
	Allowed []string
}

func (e *CountryError) Error() string {
	return fmt.Sprintf("unknown country code %q; allowed codes: %s",
		e.Code, strings.Join(e.Allowed, ", "))
}

// bracketCountries normalizes codes to upper case, validates them against
// the allow-list, and maps them into the daemon's bracketed node-set
// syntax ("{us}"). One unknown code fails the whole call.
func bracketCountries(codes []string) ([]string, error) {
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		norm := strings.ToUpper(strings.TrimSpace(code))
		if _, ok := countryNames[norm]; !ok {
			return nil, &CountryError{Code: code, Allowed: AllowedCountries()}
		}
		out = append(out, "{"+strings.ToLower(norm)+"}")
	}
	return out, nil
}
