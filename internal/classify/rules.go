package classify

import (
	"regexp"
	"strings"

	"github.com/oracle-garnett/oracle/internal/capability"
)

// ruleConfidence is reported for deterministic rule matches.
const ruleConfidence = 0.95

// rule inspects normalized text and returns a tag with parameters, or ok=false.
type rule func(text string) (tag capability.Tag, params map[string]string, ok bool)

func rules() []rule {
	return []rule{
		matchFolder,
		matchSystemStatus,
		matchImageEdit,
		matchImageCreate,
		matchURL,
		matchSearch,
	}
}

var (
	folderPattern = regexp.MustCompile(`(?i)\b(?:create|make|new|add)\b.*\b(?:folder|directory)\b.*?\b(?:called|named)\s+["']?([\w][\w .-]*?)["']?\s*[.!?]?$`)
	statusPattern = regexp.MustCompile(`(?i)\b(?:system status|status report|resource usage|health check|how are you running|memory usage|cpu usage)\b`)
	urlPattern    = regexp.MustCompile(`https?://[^\s"'<>]+`)
	searchPattern = regexp.MustCompile(`(?i)^\s*(?:please\s+)?(?:search(?: the web)? for|look up|google)\s+(.+?)\s*[.?!]?$`)
	imagePattern  = regexp.MustCompile(`(?i)\b(?:image|picture|photo|painting|drawing|portrait|art(?:work)?|sketch)\b`)
	createVerbs   = regexp.MustCompile(`(?i)\b(?:draw|paint|sketch|generate|create|make|render|design)\b`)
	editVerbs     = regexp.MustCompile(`(?i)\b(?:edit|modify|change|retouch|fix up|recolor|touch up)\b`)
	imageFile     = regexp.MustCompile(`(?i)[\w./\\-]+\.(?:png|jpe?g|webp|gif)\b`)
	actionVerbs   = regexp.MustCompile(`(?i)\b(?:submit|fill(?: out| in)?|sign up|register|buy|purchase|order|checkout|pay|book)\b`)
	pricePattern  = regexp.MustCompile(`\$\s?(\d+(?:[.,]\d{1,2})?)`)
)

func matchFolder(text string) (capability.Tag, map[string]string, bool) {
	m := folderPattern.FindStringSubmatch(text)
	if m == nil {
		return "", nil, false
	}
	return capability.TagFileOps, map[string]string{"op": "mkdir", "name": strings.TrimSpace(m[1])}, true
}

func matchSystemStatus(text string) (capability.Tag, map[string]string, bool) {
	if !statusPattern.MatchString(text) {
		return "", nil, false
	}
	return capability.TagSystemStatus, map[string]string{}, true
}

func matchImageEdit(text string) (capability.Tag, map[string]string, bool) {
	if !editVerbs.MatchString(text) || (!imagePattern.MatchString(text) && !imageFile.MatchString(text)) {
		return "", nil, false
	}
	params := map[string]string{"prompt": text}
	if src := imageFile.FindString(text); src != "" {
		params["source"] = src
	}
	return capability.TagImageEdit, params, true
}

func matchImageCreate(text string) (capability.Tag, map[string]string, bool) {
	if !createVerbs.MatchString(text) || !imagePattern.MatchString(text) {
		return "", nil, false
	}
	return capability.TagImageCreate, map[string]string{"prompt": text}, true
}

func matchURL(text string) (capability.Tag, map[string]string, bool) {
	u := urlPattern.FindString(text)
	if u == "" {
		return "", nil, false
	}
	u = strings.TrimRight(u, ".,;:!?)")
	params := map[string]string{"url": u}
	if !actionVerbs.MatchString(text) {
		return capability.TagWebBrowse, params, true
	}
	params["text"] = text
	if m := pricePattern.FindStringSubmatch(text); m != nil {
		params["amount"] = strings.ReplaceAll(m[1], ",", ".")
	}
	return capability.TagWebAction, params, true
}

func matchSearch(text string) (capability.Tag, map[string]string, bool) {
	m := searchPattern.FindStringSubmatch(text)
	if m == nil {
		return "", nil, false
	}
	return capability.TagWebBrowse, map[string]string{"query": m[1]}, true
}
