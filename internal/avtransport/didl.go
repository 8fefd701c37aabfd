package avtransport

import (
	"html"
	"strings"

	"github.com/snarg/sonosevents/internal/model"
	"github.com/snarg/sonosevents/internal/xmldecode"
)

// parseDIDLItem extracts a model.TrackInfo from a DIDL-Lite metadata
// document's first <item>. Returns nil if no item/title can be found.
func parseDIDLItem(metadata string) *model.TrackInfo {
	trimmed := strings.TrimSpace(metadata)
	if trimmed == "" || trimmed == "NOT_IMPLEMENTED" {
		return nil
	}

	root, err := xmldecode.Parse([]byte(html.UnescapeString(trimmed)), xmldecode.DefaultLimits)
	if err != nil {
		return nil
	}

	item := root.Find("item")
	if item == nil {
		item = root
	}

	title := text(item.Child("title"))
	if title == "" {
		return nil
	}

	track := &model.TrackInfo{
		Title:  title,
		Artist: text(item.Child("creator")),
		Album:  text(item.Child("album")),
		URI:    text(item.Child("res")),
	}
	return track
}

func text(el *xmldecode.Element) string {
	if el == nil {
		return ""
	}
	return strings.TrimSpace(el.Text)
}
