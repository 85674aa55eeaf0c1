package engine

import (
	"fmt"
	"sort"
	"strings"
)

// UnresolvedSuggestions are attached to intents that match no workflow.
var UnresolvedSuggestions = []string{
	"Try: 'deploy freeipa', 'trigger dag vm_provisioning conf={\"action\": \"create\"}'",
	"Try: 'search rag for DNS configuration' to look up documentation",
	"Try: 'help' for the workflows this pipeline can run",
}

// AnswersFromContext reports whether a category asks for information rather
// than a workflow run. Such intents never resolve through documentation
// evidence; the snippets are returned to the caller instead.
func (c Category) AnswersFromContext() bool {
	switch c {
	case CategoryHelp, CategoryRAGQuery, CategoryRAGStats:
		return true
	}
	return false
}

// HelpText lists the active workflows of catalog and how to ask for them.
func HelpText(catalog WorkflowCatalog) string {
	var b strings.Builder
	b.WriteString("# Smart Pipeline - Available Workflows\n\n")

	defs := activeWorkflows(catalog)
	if len(defs) == 0 {
		b.WriteString("No workflows are configured.\n")
	}
	keywords := make(map[string][]string)
	for keyword, id := range ServiceKeywords(catalog) {
		keywords[id] = append(keywords[id], keyword)
	}
	for _, def := range defs {
		line := fmt.Sprintf("- **%s**", def.ID)
		if def.Description != "" {
			line += " - " + def.Description
		}
		if kws := keywords[def.ID]; len(kws) > 0 {
			sort.Strings(kws)
			line += fmt.Sprintf(" (keywords: %s)", strings.Join(kws, ", "))
		}
		b.WriteString(line + "\n")
	}

	b.WriteString(`
## Requests
- **deploy <service>** - Plan, validate, run and verify the matching workflow
- **trigger dag <dag_id>** - Run a workflow by id, with key=value or conf={...} parameters
- **search rag for <query>** - Search the documentation without running anything

## Tips
- Explicit params work too: "trigger dag freeipa_deployment action=delete"
- Destructive fixes only run with auto-approve
`)
	return b.String()
}
