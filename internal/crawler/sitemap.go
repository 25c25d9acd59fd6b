package crawler

import (
	"context"
	"encoding/xml"
	"net/url"

	"geoaudit/internal/fetcher"
)

// sitemapLimit bounds how many sitemap entries can pre-seed a frontier.
const sitemapLimit = 2000

// Sitemap fetches the conventional /sitemap.xml for the seed's host and
// returns its URLs. Absence or malformed XML is not an error; link
// discovery covers those sites.
func (c *Crawler) Sitemap(ctx context.Context, seed string, opts Options) []string {
	base, err := url.Parse(seed)
	if err != nil {
		return nil
	}
	smURL := &url.URL{Scheme: base.Scheme, Host: base.Host, Path: "/sitemap.xml"}

	fr, err := c.fetch.Fetch(ctx, smURL.String(), fetcher.Options{
		Mobile:   opts.Mobile,
		Language: opts.Language,
	})
	if err != nil || fr.Status != 200 {
		return nil
	}

	type urlEntry struct {
		Loc string `xml:"loc"`
	}
	type urlSet struct {
		URLs []urlEntry `xml:"url"`
	}

	var us urlSet
	if err := xml.Unmarshal(fr.Body, &us); err != nil {
		return nil
	}

	var out []string
	for _, ue := range us.URLs {
		if len(out) >= sitemapLimit {
			break
		}
		if ue.Loc != "" {
			out = append(out, ue.Loc)
		}
	}
	return out
}
