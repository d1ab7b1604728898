package mailserver

import (
	"github.com/russross/blackfriday/v2"
)

// WelcomeHTML renders a markdown welcome message to HTML for clients. Raw HTML
// in the message is skipped, the message can come from the admin API.
func WelcomeHTML(md string) string {
	if md == "" {
		return ""
	}
	r := blackfriday.NewHTMLRenderer(blackfriday.HTMLRendererParameters{
		Flags: blackfriday.SkipHTML | blackfriday.Safelink | blackfriday.NofollowLinks | blackfriday.NoreferrerLinks,
	})
	opts := []blackfriday.Option{
		blackfriday.WithExtensions(blackfriday.CommonExtensions),
		blackfriday.WithRenderer(r),
	}
	return string(blackfriday.Run([]byte(md), opts...))
}
