package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name     string
		category Category
		text     string
		want     map[string]interface{}
	}{
		{
			name:     "vm create sizes",
			category: CategoryVMCreate,
			text:     "create a vm named web01 with 4 cpus and 8GB memory and 50 GB disk",
			want: map[string]interface{}{
				"vm_name":   "web01",
				"cpus":      4,
				"memory":    8192,
				"disk_size": 50,
			},
		},
		{
			name:     "key value overrides extraction",
			category: CategoryVMCreate,
			text:     "create vm named web01 cpus=8 memory=2048",
			want: map[string]interface{}{
				"vm_name": "web01",
				"cpus":    8,
				"memory":  2048,
			},
		},
		{
			name:     "dag id and inline conf",
			category: CategoryDAGTrigger,
			text:     `trigger dag freeipa_deployment conf={"domain": "lab.local"}`,
			want: map[string]interface{}{
				"dag_id": "freeipa_deployment",
				"conf":   map[string]interface{}{"domain": "lab.local"},
			},
		},
		{
			name:     "dag id before noun",
			category: CategoryDAGTrigger,
			text:     "run the harbor_deployment workflow",
			want: map[string]interface{}{
				"dag_id": "harbor_deployment",
			},
		},
		{
			name:     "quoted value",
			category: CategoryDAGTrigger,
			text:     `trigger dag step_ca_deployment domain="lab local"`,
			want: map[string]interface{}{
				"dag_id": "step_ca_deployment",
				"domain": "lab local",
			},
		},
		{
			name:     "troubleshoot component",
			category: CategoryTroubleshoot,
			text:     "why is freeipa not responding",
			want: map[string]interface{}{
				"component":         "freeipa",
				"error_description": "why is freeipa not responding",
			},
		},
		{
			name:     "rag query",
			category: CategoryRAGQuery,
			text:     "search the docs for certificate renewal?",
			want: map[string]interface{}{
				"query": "certificate renewal",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Extract(tt.category, tt.text))
		})
	}
}

func TestExtract_InvalidInlineConfIgnored(t *testing.T) {
	got := Extract(CategoryDAGTrigger, "trigger dag harbor_deployment conf={not json}")
	assert.Equal(t, "harbor_deployment", got["dag_id"])
	assert.NotContains(t, got, "conf")
}
