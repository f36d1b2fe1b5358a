package preview

import "strings"

var crawlerUserAgents = []string{
	"facebookexternalhit",
	"farcaster",
	"twitterbot",
	"discordbot",
	"telegrambot",
	"slackbot",
	"whatsapp",
	"linkedinbot",
	"redditbot",
	"pinterestbot",
	"bingbot",
	"googlebot",
	"baiduspider",
	"yandexbot",
	"duckduckbot",
	"slurp",
	"ia_archiver",
	"embedly",
	"tumblr",
	"bitlybot",
	"vkshare",
	"outbrain",
	"w3c_validator",
	"mastodon",
	"bluesky",
}

// IsCrawler reports whether the user agent belongs to a link-preview bot.
func IsCrawler(userAgent string) bool {
	lowered := strings.ToLower(userAgent)
	if lowered == "" {
		return false
	}
	for _, crawler := range crawlerUserAgents {
		if strings.Contains(lowered, crawler) {
			return true
		}
	}
	return false
}

// UsernameFromPath extracts the username from a single-segment profile path.
// Paths with more segments or a dot (static assets) are rejected.
func UsernameFromPath(path string) (string, bool) {
	segments := make([]string, 0, 2)
	for _, segment := range strings.Split(path, "/") {
		if segment != "" {
			segments = append(segments, segment)
		}
	}
	if len(segments) != 1 {
		return "", false
	}
	username := segments[0]
	if strings.Contains(username, ".") {
		return "", false
	}
	return username, true
}
