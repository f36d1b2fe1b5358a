package preview

import "testing"

func TestIsCrawler(t *testing.T) {
	testCases := []struct {
		name      string
		userAgent string
		expected  bool
	}{
		{name: "twitter", userAgent: "Twitterbot/1.0", expected: true},
		{name: "facebook mixed case", userAgent: "FacebookExternalHit/1.1 (+http://www.facebook.com/externalhit_uatext.php)", expected: true},
		{name: "farcaster", userAgent: "farcaster-preview/2.0", expected: true},
		{name: "browser", userAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) AppleWebKit/605.1.15 Safari/605.1.15", expected: false},
		{name: "empty", userAgent: "", expected: false},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := IsCrawler(testCase.userAgent); got != testCase.expected {
				t.Fatalf("IsCrawler(%q) = %v, want %v", testCase.userAgent, got, testCase.expected)
			}
		})
	}
}

func TestUsernameFromPath(t *testing.T) {
	testCases := []struct {
		path     string
		expected string
		ok       bool
	}{
		{path: "/dwr", expected: "dwr", ok: true},
		{path: "/dwr/", expected: "dwr", ok: true},
		{path: "/", ok: false},
		{path: "/favicon.ico", ok: false},
		{path: "/dwr/friends", ok: false},
	}
	for _, testCase := range testCases {
		username, ok := UsernameFromPath(testCase.path)
		if ok != testCase.ok || username != testCase.expected {
			t.Fatalf("UsernameFromPath(%q) = %q, %v; want %q, %v", testCase.path, username, ok, testCase.expected, testCase.ok)
		}
	}
}
