package agent

import (
	"sort"
	"strings"
)

// DefaultSystemPrompt describes the single-object tool-call protocol.
const DefaultSystemPrompt = `You are an agent that can use MCP tools.
WHEN YOU NEED A TOOL, EMIT **ONE SINGLE** JSON OBJECT, EXACTLY:
{"action":"tool_call","server":"<server-name>","tool":"<tool>","args":{...}}
- Valid JSON: double quotes, quoted keys, no comments.
- Do not describe what you are going to do; emit the tool_call directly.
- After the OBSERVATION of the result, answer with a short summary or emit the next tool_call.
`

// CatalogPrompt lists every tool as "- server:tool" under a header.
func CatalogPrompt(catalog map[string]map[string]string) string {
	lines := []string{"Available tools:"}
	servers := make([]string, 0, len(catalog))
	for server := range catalog {
		servers = append(servers, server)
	}
	sort.Strings(servers)
	for _, server := range servers {
		tools := make([]string, 0, len(catalog[server]))
		for tool := range catalog[server] {
			tools = append(tools, tool)
		}
		sort.Strings(tools)
		for _, tool := range tools {
			lines = append(lines, "- "+server+":"+tool)
		}
	}
	return strings.Join(lines, "\n")
}

// SystemPromptWithCatalog prefixes the default prompt with the catalog.
func SystemPromptWithCatalog(catalog map[string]map[string]string) string {
	return CatalogPrompt(catalog) + "\n\n" + DefaultSystemPrompt
}
