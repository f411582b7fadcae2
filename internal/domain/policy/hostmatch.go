package policy

import (
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// globMatch reports whether name matches the shell-style glob pattern,
// used for CustomRules.ToolMatch.
func globMatch(pattern, name string) bool {
	matched, err := filepath.Match(pattern, name)
	return err == nil && matched
}

// regexCache memoizes compiled HostPattern.Regex expressions; patterns come
// from operator-authored config and are reused across many evaluations.
var (
	regexCacheMu sync.Mutex
	regexCache   = map[string]*regexp.Regexp{}
)

func compiledRegex(pattern string) (*regexp.Regexp, error) {
	regexCacheMu.Lock()
	defer regexCacheMu.Unlock()
	if re, ok := regexCache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache[pattern] = re
	return re, nil
}

// matchesHost reports whether host (or, for Regex patterns, the full
// candidate string) satisfies pattern. "*" matches unconditionally;
// "*.suffix" matches any subdomain of suffix. A literal that parses as an
// http(s) URL is reduced to its hostname before comparison. A Regex
// pattern is matched against the raw candidate string (so it can match
// origins like "https://evil.example" as well as hosts).
func matchesHost(pattern HostPattern, host string, candidate string) bool {
	if pattern.Regex != "" {
		re, err := compiledRegex(pattern.Regex)
		if err != nil {
			return false
		}
		return re.MatchString(candidate)
	}

	lit := strings.ToLower(strings.TrimSpace(pattern.Literal))
	if lit == "*" {
		return true
	}
	if lit == "" {
		return false
	}
	if strings.HasPrefix(lit, "http://") || strings.HasPrefix(lit, "https://") {
		if u, err := url.Parse(lit); err == nil && u.Hostname() != "" {
			lit = u.Hostname()
		}
	}
	return matchDomainGlob(lit, host)
}

// matchDomainGlob matches host against pattern, with subdomain support via
// a "*.suffix" glob.
func matchDomainGlob(pattern, host string) bool {
	lowerPattern := strings.ToLower(pattern)
	lowerHost := strings.ToLower(host)

	if strings.HasPrefix(lowerPattern, "*.") {
		suffix := lowerPattern[1:] // ".suffix"
		return len(lowerHost) > len(suffix) && strings.HasSuffix(lowerHost, suffix)
	}

	return lowerPattern == lowerHost
}

// anyHostMatches reports whether host/candidate matches any pattern in the
// set.
func anyHostMatches(patterns []HostPattern, host string, candidate string) bool {
	for _, p := range patterns {
		if matchesHost(p, host, candidate) {
			return true
		}
	}
	return false
}

// allowedHostsUnrestricted reports whether the allowedHosts configuration is
// absent of any constraint, i.e. contains a literal "*".
func allowedHostsUnrestricted(patterns []HostPattern) bool {
	for _, p := range patterns {
		if p.Regex == "" && strings.TrimSpace(p.Literal) == "*" {
			return true
		}
	}
	return false
}
