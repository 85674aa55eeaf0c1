package engine

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// Classification is the result of classifying intent text.
type Classification struct {
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
	Score      float64  `json:"score"`
}

// keywordSet matches when every word appears, in any order.
type keywordSet []*regexp.Regexp

func (k keywordSet) match(text string) bool {
	for _, re := range k {
		if !re.MatchString(text) {
			return false
		}
	}
	return true
}

func kw(words ...string) keywordSet {
	set := make(keywordSet, len(words))
	for i, w := range words {
		set[i] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(w) + `\b`)
	}
	return set
}

func rx(pattern string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)` + pattern)
}

type categoryRule struct {
	category Category
	keywords []keywordSet
	patterns []*regexp.Regexp
	boost    float64
}

const (
	minClassifyScore = 1.5
	maxClassifyScore = 10.0
	clearWinnerGap   = 2.0
)

// Classifier is a deterministic keyword and regex intent classifier.
// Keyword sets score 1, patterns score 2, and the category boost is added
// at half weight only when something matched.
type Classifier struct {
	rules []categoryRule
}

// NewClassifier builds a classifier. serviceKeywords (from the workflow
// catalog) make "deploy <service>" classify as a workflow trigger.
func NewClassifier(serviceKeywords []string) *Classifier {
	rules := builtinRules()
	if len(serviceKeywords) > 0 {
		for i := range rules {
			if rules[i].category != CategoryDAGTrigger {
				continue
			}
			sorted := append([]string(nil), serviceKeywords...)
			sort.Strings(sorted)
			quoted := make([]string, len(sorted))
			for j, k := range sorted {
				rules[i].keywords = append(rules[i].keywords, kw("deploy", k))
				quoted[j] = regexp.QuoteMeta(k)
			}
			rules[i].patterns = append(rules[i].patterns,
				rx(`\b(?:deploy|install|provision|set\s+up|rebuild)\s+(?:the\s+|a\s+|an\s+|new\s+)*(?:`+strings.Join(quoted, "|")+`)\b`))
		}
	}
	return &Classifier{rules: rules}
}

// Classify returns the best-matching category for text.
func (c *Classifier) Classify(text string) Classification {
	text = strings.TrimSpace(text)
	if text == "" {
		return Classification{Category: CategoryUnknown}
	}

	type scored struct {
		category Category
		score    float64
	}
	var scores []scored

	for _, rule := range c.rules {
		base := 0.0
		for _, set := range rule.keywords {
			if set.match(text) {
				base++
			}
		}
		for _, re := range rule.patterns {
			if re.MatchString(text) {
				base += 2
			}
		}
		if base > 0 {
			scores = append(scores, scored{rule.category, base + rule.boost*0.5})
		}
	}

	if len(scores) == 0 {
		return Classification{Category: CategoryUnknown}
	}

	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	best := scores[0]

	if best.score < minClassifyScore {
		return Classification{
			Category:   CategoryUnknown,
			Confidence: round2(best.score / maxClassifyScore),
			Score:      best.score,
		}
	}

	confidence := math.Min(best.score/maxClassifyScore, 1)
	if len(scores) >= 2 && best.score-scores[1].score >= clearWinnerGap {
		confidence = math.Min(confidence+0.1, 1)
	}

	return Classification{
		Category:   best.category,
		Confidence: round2(confidence),
		Score:      best.score,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func builtinRules() []categoryRule {
	return []categoryRule{
		{
			category: CategoryVMList,
			keywords: []keywordSet{kw("list", "vm"), kw("show", "vm"), kw("list", "virtual"), kw("show", "virtual"), kw("all", "vm")},
			patterns: []*regexp.Regexp{
				rx(`\blist\s+(?:all\s+)?(?:vms?|virtual\s+machines?)\b`),
				rx(`\bshow\s+(?:all\s+)?(?:vms?|virtual\s+machines?)\b`),
				rx(`\bwhat\s+vms?\b`),
			},
		},
		{
			category: CategoryVMInfo,
			keywords: []keywordSet{kw("info", "vm"), kw("details", "vm"), kw("describe", "vm"), kw("status", "vm")},
			patterns: []*regexp.Regexp{
				rx(`\b(?:info|details?|describe|status)\s+(?:about\s+|for\s+|of\s+)?(?:vm|virtual\s+machine)\s+\w+`),
				rx(`\bvm\s+(?:info|details?|status)\b`),
				rx(`\btell\s+me\s+about\s+(?:vm|virtual\s+machine)\s+\w+`),
			},
			boost: 1,
		},
		{
			category: CategoryVMCreate,
			keywords: []keywordSet{
				kw("create", "vm"), kw("make", "vm"), kw("deploy", "vm"), kw("spin", "up"),
				kw("provision", "vm"), kw("launch", "vm"), kw("new", "vm"), kw("create", "virtual"),
			},
			patterns: []*regexp.Regexp{
				rx(`\b(?:create|make|launch)\s+(?:a\s+)?(?:new\s+)?(?:vm|virtual\s+machine)\b`),
				rx(`\bspin\s+up\s+(?:a\s+)?(?:(?:new|the)\s+)?(?:vm|virtual\s+machine|server)\b`),
				rx(`\bdeploy\s+(?:a\s+)?(?:new\s+)?(?:vm|virtual\s+machine)\b`),
				rx(`\bprovision\s+(?:a\s+)?(?:vm|virtual\s+machine)\b`),
			},
		},
		{
			category: CategoryVMDelete,
			keywords: []keywordSet{kw("delete", "vm"), kw("remove", "vm"), kw("destroy", "vm"), kw("terminate", "vm")},
			patterns: []*regexp.Regexp{
				rx(`\b(?:delete|remove|destroy|terminate)\s+(?:the\s+)?(?:vm|virtual\s+machine)\s+\w+`),
				rx(`\b(?:delete|remove|destroy|terminate)\s+\w+\s+vm\b`),
			},
		},
		{
			category: CategoryVMPreflight,
			keywords: []keywordSet{kw("preflight"), kw("pre-flight"), kw("check", "before", "create"), kw("validate", "vm"), kw("can", "create", "vm")},
			patterns: []*regexp.Regexp{
				rx(`\bpre-?flight\b`),
				rx(`\bcheck\s+(?:before|if)\s+(?:i\s+can\s+)?creat`),
				rx(`\bcan\s+i\s+create\s+(?:a\s+)?vm`),
			},
			boost: 1,
		},
		{
			category: CategoryDAGList,
			keywords: []keywordSet{
				kw("list", "dag"), kw("show", "dag"), kw("list", "workflow"), kw("show", "workflow"),
				kw("available", "dag"), kw("available", "workflow"), kw("all", "dag"),
			},
			patterns: []*regexp.Regexp{
				rx(`\blist\s+(?:all\s+)?(?:dags?|workflows?)\b`),
				rx(`\bshow\s+(?:\w+\s+)?(?:dags?|workflows?)\b`),
				rx(`\bwhat\s+(?:dags?|workflows?)\b`),
			},
		},
		{
			category: CategoryDAGInfo,
			keywords: []keywordSet{kw("info", "dag"), kw("details", "dag"), kw("describe", "dag")},
			patterns: []*regexp.Regexp{
				rx(`\b(?:info|details?|describe)\s+(?:about\s+|for\s+|of\s+)?(?:dag|workflow)\s+\w+`),
				rx(`\bdag\s+(?:info|details?)\b`),
			},
			boost: 1,
		},
		{
			category: CategoryDAGTrigger,
			keywords: []keywordSet{
				kw("trigger", "dag"), kw("run", "dag"), kw("execute", "dag"), kw("start", "dag"),
				kw("trigger", "workflow"), kw("run", "workflow"),
			},
			patterns: []*regexp.Regexp{
				rx(`\b(?:trigger|run|execute|start)\s+(?:the\s+)?(?:dag|workflow)\s+\w+`),
				rx(`\b(?:trigger|run|execute|start)\s+(?:the\s+)?\w+\s+(?:dag|workflow)\b`),
			},
		},
		{
			category: CategoryRAGQuery,
			keywords: []keywordSet{kw("search", "rag"), kw("query", "rag"), kw("search", "knowledge"), kw("search", "document"), kw("find", "document")},
			patterns: []*regexp.Regexp{
				rx(`\b(?:search|query)\s+(?:the\s+)?(?:rag|knowledge\s+base|docs?|documentation)\b`),
				rx(`\bfind\s+(?:docs?|documentation|information)\s+(?:about|on|for)\b`),
				rx(`\bhow\s+(?:do|to|can)\s+(?:i|we)\b`),
				rx(`\blookup\s+\w+`),
			},
		},
		{
			category: CategoryRAGIngest,
			keywords: []keywordSet{kw("ingest"), kw("index", "document"), kw("add", "document"), kw("import", "document")},
			patterns: []*regexp.Regexp{
				rx(`\b(?:ingest|index)\s+(?:the\s+)?(?:docs?|documents?|content)\b`),
				rx(`\badd\s+(?:\w+\s+)?(?:to\s+)?(?:rag|knowledge\s+base)\b`),
				rx(`\badd\s+(?:the\s+)?(?:docs?|documents?)\b`),
			},
			boost: 1,
		},
		{
			category: CategoryRAGStats,
			keywords: []keywordSet{kw("rag", "stats"), kw("rag", "statistics"), kw("knowledge", "base", "stats"), kw("document", "count")},
			patterns: []*regexp.Regexp{
				rx(`\brag\s+(?:stats|statistics|status)\b`),
				rx(`\bhow\s+many\s+documents?\b`),
				rx(`\bknowledge\s+base\s+(?:stats?|statistics?|info|status)\b`),
			},
			boost: 1,
		},
		{
			category: CategorySystemStatus,
			keywords: []keywordSet{kw("system", "status"), kw("airflow", "status"), kw("health"), kw("is", "running"), kw("service", "status")},
			patterns: []*regexp.Regexp{
				rx(`\b(?:system|airflow|service)\s+(?:status|health)\b`),
				rx(`\bis\s+(?:the\s+)?(?:system|airflow|everything)\s+(?:running|up|ok|healthy)\b`),
				rx(`\bcheck\s+(?:system\s+)?(?:health|status)\b`),
				rx(`\b(?:health|status)\s+check\b`),
			},
		},
		{
			category: CategorySystemInfo,
			keywords: []keywordSet{kw("system", "info"), kw("system", "information"), kw("architecture"), kw("capabilities")},
			patterns: []*regexp.Regexp{
				rx(`\b(?:system|qubinode)\s+(?:info|information|overview)\b`),
				rx(`\btell\s+me\s+about\s+(?:the\s+)?(?:system|qubinode|architecture)\b`),
			},
		},
		{
			category: CategoryTroubleshoot,
			keywords: []keywordSet{kw("diagnose"), kw("troubleshoot"), kw("debug"), kw("fix"), kw("broken"), kw("not", "working"), kw("failing")},
			patterns: []*regexp.Regexp{
				rx(`\b(?:diagnose|troubleshoot|debug|fix)\s+`),
				rx(`\b(?:is|not)\s+(?:working|responding|running)\b`),
				rx(`\bwhy\s+(?:is|did|does)\s+.+?\s+(?:fail|error|crash|hang)`),
				rx(`\bsomething\s+(?:is\s+)?(?:wrong|broken)\b`),
				rx(`\b(?:error|failure|problem|issue)\s+(?:in|with|during)\b`),
			},
		},
		{
			category: CategoryTroubleshootHistory,
			keywords: []keywordSet{kw("troubleshooting", "history"), kw("past", "solutions"), kw("previous", "fixes"), kw("similar", "errors")},
			patterns: []*regexp.Regexp{
				rx(`\b(?:troubleshooting|past|previous)\s+(?:history|solutions?|fixes?|attempts?)\b`),
				rx(`\bhas\s+this\s+(?:been\s+)?(?:solved|fixed)\s+before\b`),
				rx(`\bsimilar\s+(?:errors?|issues?|problems?)\b`),
			},
			boost: 2,
		},
		{
			category: CategoryTroubleshootLog,
			keywords: []keywordSet{kw("log", "troubleshooting"), kw("record", "solution"), kw("save", "solution"), kw("log", "attempt")},
			patterns: []*regexp.Regexp{
				rx(`\blog\s+(?:the\s+)?(?:troubleshooting|solution|attempt|fix)\b`),
				rx(`\brecord\s+(?:the\s+)?(?:solution|fix|attempt)\b`),
				rx(`\bsave\s+(?:the\s+)?(?:solution|fix)\b`),
			},
			boost: 2,
		},
		{
			category: CategoryLineageDAG,
			keywords: []keywordSet{kw("lineage"), kw("dependencies", "dag"), kw("upstream"), kw("downstream")},
			patterns: []*regexp.Regexp{
				rx(`\b(?:dag\s+)?lineage\b`),
				rx(`\b(?:upstream|downstream)\s+(?:of|for|deps?|dependencies)\b`),
				rx(`\bwhat\s+(?:depends|relies)\s+on\b`),
			},
			boost: 1,
		},
		{
			category: CategoryLineageBlastRadius,
			keywords: []keywordSet{kw("blast", "radius"), kw("impact", "failure"), kw("impact", "analysis"), kw("what", "affected")},
			patterns: []*regexp.Regexp{
				rx(`\bblast\s+radius\b`),
				rx(`\b(?:failure|impact)\s+(?:analysis|assessment)\b`),
				rx(`\bwhat\s+(?:would\s+be\s+|is\s+)?affected\s+if\b`),
			},
			boost: 2,
		},
		{
			category: CategoryHelp,
			keywords: []keywordSet{kw("usage"), kw("how", "use")},
			patterns: []*regexp.Regexp{
				rx(`^help$`),
				rx(`\bhow\s+(?:do\s+i\s+)?use\s+(?:this|qubinode)\b`),
				rx(`\bwhat\s+(?:can\s+)?(?:you|this)\s+do\b`),
			},
		},
	}
}
