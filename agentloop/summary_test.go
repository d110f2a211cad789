package agentloop

import "testing"

func TestExtractTaskSummary(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		want   string
		wantOK bool
	}{
		{"plain", "<task_summary>Built a todo app</task_summary>", "Built a todo app", true},
		{"surrounding text", "Done!\n<task_summary>\n  Added header  \n</task_summary>\nBye", "Added header", true},
		{"case insensitive", "<Task_Summary>Mixed</TASK_SUMMARY>", "Mixed", true},
		{"nested opening", "<task_summary>outer <task_summary>inner</task_summary></task_summary>", "inner", true},
		{"first complete block", "<task_summary>one</task_summary> <task_summary>two</task_summary>", "one", true},
		{"missing close", "<task_summary>never closed", "", false},
		{"missing open", "text</task_summary>", "", false},
		{"close before open", "</task_summary><task_summary>x", "", false},
		{"empty block", "<task_summary>   </task_summary>", "", false},
		{"no tags", "just text", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractTaskSummary(tt.text)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ExtractTaskSummary(%q) = (%q, %v), want (%q, %v)", tt.text, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
