package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/sravan-iaisolution/codebox/agentloop"
	"github.com/sravan-iaisolution/codebox/fragment"
)

var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// renderEvent writes a one or two line description of ev. Output deltas are
// dropped unless verbose is set.
func renderEvent(w io.Writer, ev agentloop.RunEvent, verbose bool) {
	d := ev.Data
	switch ev.Kind {
	case agentloop.EventRunStart:
		fmt.Fprintf(w, "%s %s\n", blue("▶"), bold("run started"))
	case agentloop.EventModelTurn:
		fmt.Fprintf(w, "%s turn %v, %v tool call(s)\n", cyan("●"), d["turn"], d["tool_calls"])
		if text, _ := d["text"].(string); strings.TrimSpace(text) != "" && verbose {
			fmt.Fprintln(w, indent(gray(strings.TrimSpace(text))))
		}
	case agentloop.EventToolCallStart:
		fmt.Fprintf(w, "  %s %v %s\n", yellow("⚙"), d["tool_name"], gray(d["call_id"]))
	case agentloop.EventToolCallOutputDelta:
		if verbose {
			chunk, _ := d["chunk"].(string)
			fmt.Fprint(w, gray(chunk))
		}
	case agentloop.EventToolCallEnd:
		if errMsg, ok := d["error"]; ok {
			fmt.Fprintf(w, "  %s %v\n", red("✗"), errMsg)
			return
		}
		status := fmt.Sprint(d["status"])
		mark := green("✓")
		if status != agentloop.StatusOK {
			mark = red("✗")
		}
		fmt.Fprintf(w, "  %s %v %s\n", mark, d["tool_name"], gray(status))
	case agentloop.EventSteeringInjected:
		fmt.Fprintf(w, "%s no tool calls, nudging the model\n", yellow("↻"))
	case agentloop.EventSummaryCaptured:
		fmt.Fprintf(w, "%s summary captured\n", green("✎"))
	case agentloop.EventTurnLimit:
		fmt.Fprintf(w, "%s turn limit reached (%v)\n", yellow("!"), d["max_iterations"])
	case agentloop.EventLoopDetection:
		fmt.Fprintf(w, "%s repeating tool calls detected\n", yellow("!"))
	case agentloop.EventWarning:
		fmt.Fprintf(w, "%s %v\n", yellow("!"), d["message"])
	case agentloop.EventError:
		fmt.Fprintf(w, "%s %v\n", red("✗"), d["error"])
	case agentloop.EventRunEnd:
		fmt.Fprintf(w, "%s run %v after %v turn(s)\n", blue("■"), d["outcome"], d["iterations"])
	}
}

func renderResult(w io.Writer, res *agentloop.RunResult) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s\n", bold("Run:"), res.RunID)
	fmt.Fprintf(w, "%s %s\n", bold("Sandbox:"), res.SandboxURL)
	fmt.Fprintf(w, "%s %s\n", bold("Stopped:"), res.Termination)
	if res.Summary != "" {
		fmt.Fprintf(w, "%s\n%s\n", bold("Summary:"), indent(res.Summary))
	}
	if len(res.Files) > 0 {
		fmt.Fprintf(w, "%s\n", bold("Files:"))
		for _, path := range sortedKeys(res.Files) {
			fmt.Fprintf(w, "  %s\n", green(path))
		}
	}
}

func renderMessages(w io.Writer, messages []fragment.Message) {
	if len(messages) == 0 {
		fmt.Fprintln(w, gray("no messages"))
		return
	}
	for _, m := range messages {
		role := cyan(string(m.Role))
		if m.Type == fragment.TypeError {
			role = red(string(m.Role))
		}
		fmt.Fprintf(w, "%s %s %s\n", gray(m.CreatedAt.Format("2006-01-02 15:04:05")), role, m.Content)
		if f := m.Fragment; f != nil {
			fmt.Fprintf(w, "  %s %s (%d file(s))\n", bold(f.Title), gray(f.SandboxURL), len(f.Files))
		}
	}
}

func indent(s string) string {
	return "   " + strings.ReplaceAll(s, "\n", "\n   ")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
