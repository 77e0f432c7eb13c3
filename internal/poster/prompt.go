package poster

import (
	"fmt"
	"strings"
)

// excerpt cap keeps prompts small; the generator only needs the gist.
const maxArticleExcerpt = 2000

func tweetPrompt(content, title string, tags []string, limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a single engaging tweet promoting the article below. Hard limit: %d characters total, including hashtags. Output only the tweet text, with no surrounding quotes.\n", limit)
	if strings.TrimSpace(title) != "" {
		fmt.Fprintf(&b, "\nTitle: %s\n", title)
	}
	if len(tags) > 0 {
		fmt.Fprintf(&b, "Hashtags to consider: %s\n", strings.Join(tags, ", "))
	}
	r := []rune(content)
	if len(r) > maxArticleExcerpt {
		content = string(r[:maxArticleExcerpt])
	}
	fmt.Fprintf(&b, "\nArticle:\n%s\n", content)
	return b.String()
}
