package brain

import (
	"fmt"
	"strings"

	"editoragent/internal/domain"
)

// PromptContext carries the values interpolated into the system prompt.
type PromptContext struct {
	Mode         domain.Mode
	OS           string
	Query        string
	Tools        []domain.ToolDefinition
	Instructions string
}

const agentRole = `You are an autonomous agent that EXECUTES actions, not describes them.
- NEVER say "I will read the file" - just write read_file("path")
- NEVER say "Searching for..." - just write grep("query") or find_by_name("pattern")
- NEVER announce actions - PERFORM them by writing tool calls
- The system automatically executes tool calls in your response
- After receiving tool results, ALWAYS provide your analysis and answer`

const responderRole = `Answer concisely. Provide ready solutions without execution.`

const rules = `## Rules
- Get straight to the point, no introductions
- Ask only one question if the task is impossible without clarification
- Code: file + lines + changes
- IMPORTANT: After tool execution, always complete your response with analysis
- ALWAYS format code in markdown code blocks with language specification (e.g. ` + "```go, ```python, ```bash" + `)
- Never write raw code without markdown formatting - always use triple backticks with language name`

const toolRules = `## CRITICAL: Tool Execution Rules
You have access to tools that execute AUTOMATICALLY when you write them in the correct format.
- DO NOT describe what you're going to do - JUST DO IT by writing the tool call
- DO NOT say "I will read the file" - JUST WRITE: read_file("path")
- DO NOT pretend to execute tools - the system parses your response and executes real tool calls
- When you need file content, IMMEDIATELY write the tool call, don't announce it
- After tool execution, you will receive results and MUST continue with your analysis`

const workflow = `## Workflow
1. Need to find something? → Write grep() or find_by_name() NOW
2. Need file content? → Write read_file("path") NOW
3. After receiving results → Analyze and provide your answer
4. ALWAYS complete your response after analyzing tool results`

// usage holds the call examples shown for built-in tools.
var usage = map[string]string{
	"read_file":    "`read_file(\"src/main.go\")` or `[[READ:go.mod]]`",
	"grep":         "`grep(\"searchText\")` or `grep({\"query\": \"pattern\", \"includePattern\": \"*.go\"})`",
	"find_by_name": "`find_by_name(\"*_test.go\")` or `find_by_name({\"pattern\": \"main*\", \"type\": \"file\"})`",
	"list_dir":     "`list_dir(\"internal\")` or `list_dir({\"path\": \"internal\", \"recursive\": true})`",
	"file_info":    "`file_info(\"go.sum\")`",
}

// SystemPrompt renders the mode-dependent system prompt.
func SystemPrompt(pc PromptContext) string {
	agent := pc.Mode == domain.ModeAgent

	var b strings.Builder
	if agent {
		b.WriteString("# Role: Autonomous Agent\n\n")
		b.WriteString(agentRole)
	} else {
		b.WriteString("# Role: Assistant\n\n")
		b.WriteString(responderRole)
	}
	b.WriteString("\n\n")
	b.WriteString(rules)
	b.WriteString("\n")

	if agent {
		b.WriteString("\n")
		b.WriteString(toolRules)
		b.WriteString("\n\n")
		b.WriteString(ToolsDescription(pc.Tools))
		b.WriteString("\n")
		b.WriteString(workflow)
		b.WriteString("\n")
	} else {
		b.WriteString("- Don't use tools. Provide ready commands and code.\n")
	}

	if agent && pc.Instructions != "" {
		fmt.Fprintf(&b, "\n## Project Instructions\n%s\n", pc.Instructions)
	}

	fmt.Fprintf(&b, "\n## System\nOS: %s\n", pc.OS)
	if pc.Query != "" {
		fmt.Fprintf(&b, "\n## Query\n%s", pc.Query)
	}
	return b.String()
}

// ToolsDescription lists tools with their argument schema and call examples.
func ToolsDescription(tools []domain.ToolDefinition) string {
	var b strings.Builder
	b.WriteString("## Available Tools\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "\n### %s - %s\n", t.Name, t.Description)
		if u, ok := usage[t.Name]; ok {
			fmt.Fprintf(&b, "**USAGE:** %s\n", u)
		} else {
			fmt.Fprintf(&b, "**USAGE:** `%s({...})`\n", t.Name)
		}
		if t.InputSchema != "" {
			fmt.Fprintf(&b, "Arguments (JSON Schema): %s\n", t.InputSchema)
		}
	}
	return b.String()
}

// toolSummary is the synthetic user turn sent after an iteration's tools ran.
func toolSummary(results []string) string {
	return "Tool execution completed. Results:\n\n" +
		strings.Join(results, "\n\n---\n\n") +
		"\n\nNow analyze these results and provide your answer to the user's original question. Do not call more tools unless absolutely necessary."
}
