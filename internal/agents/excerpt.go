package agents

import (
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
)

// excerptLimit caps how much page markdown goes into a prompt.
const excerptLimit = 6000

var converter = md.NewConverter("", true, nil)

// Excerpt converts page HTML to markdown and truncates it to prompt size.
// Conversion failures degrade to a plain-text slice of the input.
func Excerpt(html []byte) string {
	out, err := converter.ConvertString(string(html))
	if err != nil {
		out = string(html)
	}
	out = strings.TrimSpace(out)
	if len(out) > excerptLimit {
		out = out[:excerptLimit] + "\n...[truncated]"
	}
	return out
}
