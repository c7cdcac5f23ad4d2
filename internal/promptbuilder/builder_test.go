package promptbuilder

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/internal/auth"
	"github.com/relaygate/relaygate/internal/toolclient"
)

func TestBuildDataBlockUsesPlaceholderWhenNoSuccessfulResults(t *testing.T) {
	caller := auth.CallerContext{Username: "alice", Roles: []string{"hr"}}
	results := []toolclient.ToolResult{
		{Server: "hr-tool", Status: toolclient.StatusTimeout},
		{Server: "payroll-tool", Status: toolclient.StatusError},
	}

	p := Build(caller, results)
	assert.Contains(t, p.DataBlock, noDataPlaceholder)
	assert.Contains(t, p.DataBlock, "Available data context:")
}

func TestBuildDataBlockSerialisesEachSuccessfulServer(t *testing.T) {
	caller := auth.CallerContext{Username: "alice", Roles: []string{"hr"}}
	results := []toolclient.ToolResult{
		{
			Server: "hr-tool",
			Status: toolclient.StatusOK,
			Payload: &toolclient.ToolResponse{
				Status: toolclient.ResponseOK,
				Data:   json.RawMessage(`{"employees":3}`),
			},
		},
	}

	p := Build(caller, results)
	assert.Contains(t, p.DataBlock, "[Data from hr-tool]:")
	assert.Contains(t, p.DataBlock, `{"employees":3}`)
	assert.NotContains(t, p.DataBlock, noDataPlaceholder)
}

func TestBuildInstructionsIncludesTruncationAndPaginationNotices(t *testing.T) {
	caller := auth.CallerContext{Username: "bob", Roles: []string{"finance"}}
	results := []toolclient.ToolResult{
		{
			Server: "finance-tool",
			Status: toolclient.StatusOK,
			Payload: &toolclient.ToolResponse{
				Status: toolclient.ResponseOK,
				Data:   json.RawMessage(`[]`),
				Metadata: &toolclient.Metadata{
					Truncated:     true,
					ReturnedCount: 50,
					HasMore:       true,
				},
			},
		},
	}

	p := Build(caller, results)
	require.Contains(t, p.Instructions, "bob")
	assert.Contains(t, p.Instructions, "Truncation notice")
	assert.Contains(t, p.Instructions, "Pagination hint")
}

func TestBuildIgnoresNonOKResultsInDataBlock(t *testing.T) {
	caller := auth.CallerContext{Username: "carol", Roles: []string{"it"}}
	results := []toolclient.ToolResult{
		{
			Server: "it-tool",
			Status: toolclient.StatusOK,
			Payload: &toolclient.ToolResponse{
				Status:  toolclient.ResponseError,
				Code:    "NOT_FOUND",
				Message: "no such record",
			},
		},
	}

	p := Build(caller, results)
	assert.Contains(t, p.DataBlock, noDataPlaceholder)
	assert.NotContains(t, p.DataBlock, "NOT_FOUND")
}
