package checks

import (
	"context"
	"fmt"

	"github.com/openfroyo/smartpipeline/pkg/clients/rag"
	"github.com/openfroyo/smartpipeline/pkg/engine"
)

// RAGAPI is the documentation service surface the RAG check needs.
type RAGAPI interface {
	Health(ctx context.Context) (*rag.Health, error)
	Reload(ctx context.Context) (*rag.ReloadResult, error)
}

// RAG check names.
const (
	CheckRAGDocuments = "rag_documents"
	CheckRAGChunks    = "rag_chunks"
)

// RAGPrerequisite warns when the documentation service has no documents and
// triggers a reload when auto-fix is enabled. It never blocks.
type RAGPrerequisite struct {
	prereqBase
	api     RAGAPI
	autoFix bool
}

// NewRAGPrerequisite creates a RAG document check.
func NewRAGPrerequisite(api RAGAPI, autoFix bool) *RAGPrerequisite {
	return &RAGPrerequisite{prereqBase: prereqBase{name: CheckRAGDocuments}, api: api, autoFix: autoFix}
}

// Run implements engine.PrerequisiteCheck.
func (c *RAGPrerequisite) Run(ctx context.Context, _ *engine.ExecutionPlan) (engine.PrerequisiteResult, error) {
	health, err := c.api.Health(ctx)
	if err != nil {
		return c.result(engine.CheckWarning, fmt.Sprintf("RAG service unreachable: %v", err)), nil
	}
	if !health.Empty() {
		return c.result(engine.CheckOK, fmt.Sprintf("RAG service has %d documents", health.DocumentCount)), nil
	}
	if !c.autoFix {
		return c.result(engine.CheckWarning, "RAG service has no documents loaded"), nil
	}

	reload, err := c.api.Reload(ctx)
	if err != nil {
		return c.result(engine.CheckWarning, fmt.Sprintf("RAG service has no documents and reload failed: %v", err)), nil
	}
	if reload.Success && reload.ADRsLoaded {
		return c.fixed("RAG service had no documents",
			fmt.Sprintf("reloaded RAG context (%d documents)", reload.Documents)), nil
	}
	return c.result(engine.CheckWarning, "RAG service has no documents and reload loaded no ADRs"), nil
}
