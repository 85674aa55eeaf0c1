package engine

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var (
	keyValueRe = regexp.MustCompile(`\b(\w+)\s*=\s*(?:"([^"]+)"|(\S+))`)
	confRe     = regexp.MustCompile(`(?i)\b(?:conf|config|configuration)\s*=?\s*(\{[^}]+\})`)

	vmNameRe = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:vm|virtual\s+machine)\s+(?:named\s+|called\s+)?([a-z0-9][\w.-]*)`),
		regexp.MustCompile(`(?i)\b(?:named|called)\s+([a-z0-9][\w.-]*)`),
		regexp.MustCompile(`(?i)\b([a-z0-9][\w.-]*)\s+vm\b`),
	}
	memoryRe = regexp.MustCompile(`(?i)(\d+)\s*(gb|g|mb|m)\b(?:\s+(?:of\s+)?(?:ram|memory))?`)
	cpusRe   = regexp.MustCompile(`(?i)(\d+)\s*(?:v?cpus?|cores?|processors?)\b`)
	diskRe   = regexp.MustCompile(`(?i)(\d+)\s*(?:gb|g)\s+(?:of\s+)?(?:disk|storage)\b`)
	imageRe  = regexp.MustCompile(`(?i)\b(?:image|os)\s+([\w.-]+)`)

	dagIDRe = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:trigger|run|execute|start)\s+(?:the\s+)?(?:dag|workflow)\s+([\w-]+)`),
		regexp.MustCompile(`(?i)\b(?:trigger|run|execute|start)\s+(?:the\s+)?([\w-]+)\s+(?:dag|workflow)\b`),
		regexp.MustCompile(`(?i)\b(?:dag|workflow)\s+([\w-]+)`),
	}
	dagSkipWords = map[string]bool{"dag": true, "workflow": true, "the": true, "a": true, "an": true, "all": true}

	queryRe = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:search|query|find|lookup)\s+(?:the\s+)?(?:rag|knowledge\s+base|docs?|documentation)?\s*(?:for|about|on)\s+(.+)`),
		regexp.MustCompile(`(?i)\bhow\s+(?:do|to|can)\s+(?:i|we)\s+(.+)`),
	}

	componentWords = []string{"freeipa", "openshift", "vm", "dag", "storage", "network"}
)

// Extract pulls structured parameters for category out of text. Explicit
// key=value pairs in the text override extracted values.
func Extract(category Category, text string) map[string]interface{} {
	params := make(map[string]interface{})

	switch category {
	case CategoryVMCreate:
		extractVMCreate(text, params)
	case CategoryVMInfo, CategoryVMDelete, CategoryVMPreflight:
		if name := firstMatch(vmNameRe, text, nil); name != "" {
			params["vm_name"] = name
		}
	case CategoryDAGInfo, CategoryDAGTrigger, CategoryLineageDAG, CategoryLineageBlastRadius:
		if id := firstMatch(dagIDRe, text, dagSkipWords); id != "" {
			params["dag_id"] = id
		}
		if conf := extractConf(text); conf != nil {
			params["conf"] = conf
		}
	case CategoryRAGQuery:
		if q := firstMatch(queryRe, text, nil); q != "" {
			params["query"] = strings.TrimRight(strings.TrimSpace(q), "?.!")
		} else {
			params["query"] = strings.TrimSpace(text)
		}
	case CategoryTroubleshoot, CategoryTroubleshootHistory, CategoryTroubleshootLog:
		lower := strings.ToLower(text)
		for _, c := range componentWords {
			if regexp.MustCompile(`\b` + c + `\b`).MatchString(lower) {
				params["component"] = c
				break
			}
		}
		params["error_description"] = strings.TrimSpace(text)
	}

	for k, v := range extractKeyValues(text) {
		params[k] = v
	}
	return params
}

func extractVMCreate(text string, params map[string]interface{}) {
	if name := firstMatch(vmNameRe, text, map[string]bool{"a": true, "new": true, "the": true, "with": true}); name != "" {
		params["vm_name"] = name
	}
	if m := diskRe.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		params["disk_size"] = n
		text = strings.Replace(text, m[0], "", 1)
	}
	if m := memoryRe.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		if strings.HasPrefix(strings.ToLower(m[2]), "g") {
			n *= 1024
		}
		params["memory"] = n
	}
	if m := cpusRe.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		params["cpus"] = n
	}
	if m := imageRe.FindStringSubmatch(text); m != nil {
		params["image"] = m[1]
	}
}

// extractConf parses an inline JSON run configuration such as conf={"a": 1}.
func extractConf(text string) map[string]interface{} {
	m := confRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	var conf map[string]interface{}
	if err := json.Unmarshal([]byte(m[1]), &conf); err != nil {
		return nil
	}
	return conf
}

func extractKeyValues(text string) map[string]interface{} {
	out := make(map[string]interface{})
	// conf={...} is handled separately and must not leak as a raw string.
	stripped := confRe.ReplaceAllString(text, "")
	for _, m := range keyValueRe.FindAllStringSubmatch(stripped, -1) {
		key := m[1]
		raw := m[2]
		if raw == "" {
			raw = m[3]
		}
		out[key] = coerce(raw)
	}
	return out
}

func coerce(raw string) interface{} {
	if i, err := strconv.Atoi(raw); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	}
	return raw
}

func firstMatch(res []*regexp.Regexp, text string, skip map[string]bool) string {
	for _, re := range res {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			v := strings.TrimSpace(m[1])
			if v == "" || skip[strings.ToLower(v)] {
				continue
			}
			return v
		}
	}
	return ""
}
