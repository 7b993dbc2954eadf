package server

import (
	"net/http"
	"strings"
)

// Preference tokens understood by the server.
const (
	PreferContinueOnError      = "odata.continue-on-error"
	PreferContinueOnErrorShort = "continue-on-error"
	PreferRespondAsync         = "respond-async"
)

// preferences are the parsed Prefer header values of a batch request.
type preferences struct {
	continueOnError bool
	// continueToken is the token the client used, echoed in
	// Preference-Applied.
	continueToken string
	respondAsync  bool
}

// parsePrefer reads all Prefer headers. Tokens are case-insensitive and
// parameters after ";" are ignored. A continue-on-error token without a
// value means true.
func parsePrefer(h http.Header) preferences {
	var p preferences
	for _, line := range h.Values("Prefer") {
		for _, item := range strings.Split(line, ",") {
			item, _, _ = strings.Cut(item, ";")
			name, value, hasValue := strings.Cut(strings.TrimSpace(item), "=")
			name = strings.ToLower(strings.TrimSpace(name))
			value = strings.ToLower(strings.Trim(strings.TrimSpace(value), `"`))

			switch name {
			case PreferContinueOnError, PreferContinueOnErrorShort:
				p.continueToken = name
				p.continueOnError = !hasValue || value == "true"
			case PreferRespondAsync:
				p.respondAsync = true
			}
		}
	}
	return p
}

// applied renders the Preference-Applied value for the honored preferences.
func (p preferences) applied(async bool) string {
	var tokens []string
	if p.continueToken != "" {
		if p.continueOnError {
			tokens = append(tokens, p.continueToken)
		} else {
			tokens = append(tokens, p.continueToken+"=false")
		}
	}
	if async {
		tokens = append(tokens, PreferRespondAsync)
	}
	return strings.Join(tokens, ", ")
}
