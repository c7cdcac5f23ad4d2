// Package promptbuilder implements the Prompt Builder (spec §4.G):
// composing a two-block structured prompt from caller identity, tool
// outputs, and pagination/truncation metadata.
package promptbuilder

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relaygate/relaygate/internal/auth"
	"github.com/relaygate/relaygate/internal/toolclient"
)

const noDataPlaceholder = "No relevant data available for this query."

// Prompt is the two-block structured prompt handed to the LLM Client.
type Prompt struct {
	// Instructions is the dynamic block: caller identity, roles, policy
	// rules, and any truncation/pagination notices.
	Instructions string
	// DataBlock is the cacheable block: serialised successful tool
	// responses, stable across requests that share the same data.
	DataBlock string
}

// Build assembles a Prompt from the caller and the successful
// (status == ok) tool results, in the router's declaration order
// (spec §4.G, §5 ordering guarantee: "prompt is a deterministic
// function of the inputs").
func Build(caller auth.CallerContext, results []toolclient.ToolResult) Prompt {
	return Prompt{
		Instructions: buildInstructions(caller, results),
		DataBlock:    buildDataBlock(results),
	}
}

func buildInstructions(caller auth.CallerContext, results []toolclient.ToolResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are assisting %s (roles: %s).\n", caller.Username, strings.Join(caller.Roles, ", "))
	b.WriteString("Policy: only use the data provided below; never invent personally identifying information; ")
	b.WriteString("if the data needed to answer is missing, say so plainly; surface any pagination or truncation ")
	b.WriteString("warnings below to the user.\n")

	for _, r := range results {
		if r.Status != toolclient.StatusOK || r.Payload == nil || r.Payload.Metadata == nil {
			continue
		}
		if r.Payload.Metadata.Truncated {
			fmt.Fprintf(&b, "\nTruncation notice: results from %s were truncated to %d records; tell the user the results are incomplete.\n", r.Server, r.Payload.Metadata.ReturnedCount)
		}
		if r.Payload.Metadata.HasMore {
			fmt.Fprintf(&b, "\nPagination hint: %s has more results available; mention that more data can be retrieved.\n", r.Server)
		}
	}

	return b.String()
}

func buildDataBlock(results []toolclient.ToolResult) string {
	var b strings.Builder
	found := false

	for _, r := range results {
		if r.Status != toolclient.StatusOK || r.Payload == nil || r.Payload.Status != toolclient.ResponseOK {
			continue
		}
		found = true
		payload, err := json.Marshal(r.Payload.Data)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "[Data from %s]:\n%s\n\n", r.Server, payload)
	}

	if !found {
		b.WriteString(noDataPlaceholder + "\n\n")
	}
	b.WriteString("Available data context:")
	return b.String()
}
