// noise.go — Noise-field patterns shared by the fetcher and the detector.
// A noise field is one whose value varies between equivalent page loads
// (tracking params, session tokens, build hashes, counters). The fetcher
// strips matching attributes before fingerprinting; the detector refuses to
// treat matching fields as meaningful changes.
//
// The table is fixed and AND-free: one regex per rule, first match wins.
// Plain "variant"/"variants" is product data (trim rows) and must never
// match here; only experiment-style names (ab_variant, experiment_id) do.
package detect

import "regexp"

// noiseRule classifies one family of unstable field names.
type noiseRule struct {
	name string
	re   *regexp.Regexp
}

var noiseRules = []noiseRule{
	// ==========================================
	// Tracking parameters
	// ==========================================
	{"tracking_params", regexp.MustCompile(`(?i)(^|[._-])(utm_[a-z_]*|gclid|fbclid|msclkid|dclid)`)},
	{"analytics", regexp.MustCompile(`(?i)(analytics|track(ing|er)?|gtm|(^|[._-])ga[._-])`)},

	// ==========================================
	// Session and security tokens
	// ==========================================
	{"session_tokens", regexp.MustCompile(`(?i)(session|sess[._-]?id|csrf|xsrf|nonce|auth[._-]?token|access[._-]?token|api[._-]?key|(^|[._-])token(s)?($|[._-]))`)},

	// ==========================================
	// Build and asset hashes
	// ==========================================
	{"build_hashes", regexp.MustCompile(`(?i)(build[._-]?(id|hash|number)|bundle[._-]?hash|asset[._-]?hash|chunk[._-]?hash|cache[._-]?bust|(^|[._-])rev($|[._-])|deploy[._-]?id)`)},
	{"css_class_hash", regexp.MustCompile(`(?i)(css[._-]?(class(es)?|hash|module)|class[._-]?hash|styled?[._-]?components?|emotion[._-])`)},

	// ==========================================
	// Experiments and A/B buckets
	// ==========================================
	{"experiments", regexp.MustCompile(`(?i)(experiment|ab[._-]?(test|variant|bucket)|test[._-]?(group|cell)|feature[._-]?flag|optimizely)`)},

	// ==========================================
	// Dates that change on every render
	// ==========================================
	{"copyright_year", regexp.MustCompile(`(?i)(copyright|(^|[._-])(current[._-]?)?year$)`)},
	{"server_timestamps", regexp.MustCompile(`(?i)((^|[._-])(timestamp|ts)$|generated[._-]?at|rendered[._-]?at|server[._-]?time|request[._-]?id|trace[._-]?id|correlation[._-]?id)`)},

	// ==========================================
	// Social counters
	// ==========================================
	{"counters", regexp.MustCompile(`(?i)(comment|share|like|view|visitor)s?[._-]?count`)},

	// ==========================================
	// Cookie consent plumbing
	// ==========================================
	{"cookie_consent", regexp.MustCompile(`(?i)(cookie|consent|onetrust|gdpr|ccpa|privacy[._-]?banner)`)},
}

// IsNoiseField reports whether a field or attribute name matches any noise
// pattern.
func IsNoiseField(name string) bool {
	_, ok := NoiseMatch(name)
	return ok
}

// NoiseMatch returns the name of the first matching rule, for logging.
func NoiseMatch(name string) (rule string, ok bool) {
	for _, r := range noiseRules {
		if r.re.MatchString(name) {
			return r.name, true
		}
	}
	return "", false
}
