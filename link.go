package tonconnect

import (
	"net/url"
	"strings"
)

// GenerateUniversalURL builds the deep link a wallet app registers as a
// URI handler: universalURL?v=2&id=sessionID&r=<url-encoded compact
// JSON connect request>. For Telegram hosts the query is transformed
// into a startattach parameter instead.
func GenerateUniversalURL(universalURL, sessionID string, connectRequestJSON string) string {
	query := url.Values{}
	query.Set("v", "2")
	query.Set("id", sessionID)
	query.Set("r", connectRequestJSON)

	if isTelegramURL(universalURL) {
		return buildTelegramLink(universalURL, query)
	}

	sep := "?"
	if strings.Contains(universalURL, "?") {
		sep = "&"
	}
	return universalURL + sep + query.Encode()
}

func isTelegramURL(u string) bool {
	return strings.HasPrefix(u, "tg://") || strings.Contains(u, "t.me/")
}

// buildTelegramLink transforms the v=2&id=...&r=... query string into a
// single startattach parameter: prefix "tonconnect-", then run the
// query through the telegramEscape substitution chain.
func buildTelegramLink(universalURL string, query url.Values) string {
	escaped := telegramEscape(query.Encode())

	sep := "?"
	if strings.Contains(universalURL, "?") {
		sep = "&"
	}
	return universalURL + sep + "startattach=tonconnect-" + escaped
}

// telegramEscape applies the substitutions sequentially, each one a
// full pass over the string, so later rules rewrite characters that
// earlier rules introduced: a literal "." first becomes "%2E", and that
// "%" is then caught by the "%"->"--" rule, leaving "--2E" on the wire
// (likewise "-"->"--2D" and "_"->"--5F"). Wallets decode startattach by
// reversing the same chain, so the cascade is part of the format.
func telegramEscape(s string) string {
	s = strings.ReplaceAll(s, ".", "%2E")
	s = strings.ReplaceAll(s, "-", "%2D")
	s = strings.ReplaceAll(s, "_", "%5F")
	s = strings.ReplaceAll(s, "&", "-")
	s = strings.ReplaceAll(s, "=", "__")
	s = strings.ReplaceAll(s, "%", "--")
	s = strings.ReplaceAll(s, "+", "")
	return s
}
