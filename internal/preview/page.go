package preview

import (
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net/url"
	"strings"
)

const (
	// CacheControl is sent with crawler responses.
	CacheControl = "public, max-age=300, s-maxage=600"

	miniAppButtonTitle = "View Top 8"
	iconPath           = "/top8_icon_text_1024.png"
)

var errMissingPublicURL = errors.New("preview: public and app urls are required")

var pageTemplate = template.Must(template.New("page").Parse(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="UTF-8" />
    <link rel="icon" type="image/png" href="{{.IconURL}}" />
    <meta name="viewport" content="width=device-width, initial-scale=1.0" />
    <title>{{.Title}}</title>
    <meta property="og:title" content="{{.Title}}" />
    <meta property="og:description" content="{{.Description}}" />
    <meta property="og:type" content="website" />
    <meta property="og:url" content="{{.PageURL}}" />
    <meta property="og:image" content="{{.ImageURL}}" />
    <meta name="twitter:card" content="summary_large_image" />
    <meta name="twitter:title" content="{{.Title}}" />
    <meta name="twitter:description" content="{{.Description}}" />
    <meta name="twitter:image" content="{{.ImageURL}}" />
    <meta property="fc:frame" content="vNext" />
    <meta property="fc:frame:image" content="{{.ImageURL}}" />
    <meta name="fc:miniapp" content="{{.MiniApp}}" />
    <meta http-equiv="refresh" content="0; url={{.PageURL}}" />
    <script>window.location.href = {{.PageURL}};</script>
  </head>
  <body>
    <p>Redirecting to {{.Username}}'s Top 8...</p>
    <p>If you're not redirected, <a href="{{.PageURL}}">click here</a>.</p>
  </body>
</html>
`))

// PageConfig locates the public API (for the preview image) and the browser app.
type PageConfig struct {
	PublicURL string
	AppURL    string
}

// PageData is everything the crawler page template needs.
type PageData struct {
	Username    string
	Title       string
	Description string
	PageURL     string
	ImageURL    string
	IconURL     string
	MiniApp     string
}

// PageRenderer renders crawler-facing HTML documents.
type PageRenderer struct {
	publicURL string
	appURL    string
}

// NewPageRenderer validates the base urls.
func NewPageRenderer(cfg PageConfig) (*PageRenderer, error) {
	publicURL := strings.TrimRight(strings.TrimSpace(cfg.PublicURL), "/")
	appURL := strings.TrimRight(strings.TrimSpace(cfg.AppURL), "/")
	if publicURL == "" || appURL == "" {
		return nil, errMissingPublicURL
	}
	return &PageRenderer{publicURL: publicURL, appURL: appURL}, nil
}

// AppURL returns the browser destination for a username.
func (r *PageRenderer) AppURL(username string) string {
	return r.appURL + "/" + url.PathEscape(username)
}

// Data builds template data for a profile. An empty display name falls back to the username.
func (r *PageRenderer) Data(username, displayName string) (PageData, error) {
	if strings.TrimSpace(displayName) == "" {
		displayName = username
	}
	imageURL := r.publicURL + "/og-image?username=" + url.QueryEscape(username)

	miniApp, err := json.Marshal(miniAppEmbed{
		Version:  "next",
		ImageURL: imageURL,
		Button: miniAppButton{
			Title:  miniAppButtonTitle,
			Action: miniAppAction{Type: "launch_frame"},
		},
	})
	if err != nil {
		return PageData{}, err
	}

	return PageData{
		Username:    username,
		Title:       displayName + "'s Top 8 on Farcaster",
		Description: "Check out " + displayName + "'s Top 8 friends on Farcaster! MySpace for Farcaster.",
		PageURL:     r.AppURL(username),
		ImageURL:    imageURL,
		IconURL:     r.appURL + iconPath,
		MiniApp:     string(miniApp),
	}, nil
}

// Render writes the preview document for a cached profile.
func (r *PageRenderer) Render(w io.Writer, username, displayName string) error {
	data, err := r.Data(username, displayName)
	if err != nil {
		return err
	}
	return pageTemplate.Execute(w, data)
}

// RenderFallback writes the preview document when only the username is known.
func (r *PageRenderer) RenderFallback(w io.Writer, username string) error {
	return r.Render(w, username, "")
}

type miniAppEmbed struct {
	Version  string        `json:"version"`
	ImageURL string        `json:"imageUrl"`
	Button   miniAppButton `json:"button"`
}

type miniAppButton struct {
	Title  string        `json:"title"`
	Action miniAppAction `json:"action"`
}

type miniAppAction struct {
	Type string `json:"type"`
}
