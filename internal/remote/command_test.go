package remote

import "testing"

func TestCommandString(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{name: "plain", cmd: Cmd("docker", "ps", "--quiet"), want: "docker ps --quiet"},
		{name: "quotes spaces", cmd: Cmd("echo", "hello world"), want: "echo 'hello world'"},
		{name: "quotes empty", cmd: Cmd("echo", ""), want: "echo ''"},
		{name: "append", cmd: Cmd("echo", "line").AppendTo("/tmp/log"), want: "echo line >> /tmp/log"},
		{name: "write", cmd: Cmd("echo", "x").WriteTo("/tmp/f"), want: "echo x > /tmp/f"},
		{name: "quiet", cmd: Cmd("stat", "/tmp/f").Quiet(), want: "stat /tmp/f > /dev/null 2>&1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cmd.String(); got != tt.want {
				t.Fatalf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCommandJoins(t *testing.T) {
	mkdir := Cmd("mkdir", "-p", "/a")
	touch := Cmd("touch", "/a/b")

	if got := Combine(mkdir, touch).String(); got != "mkdir -p /a && touch /a/b" {
		t.Fatalf("Combine = %q", got)
	}
	if got := Chain(mkdir, touch).String(); got != "mkdir -p /a ; touch /a/b" {
		t.Fatalf("Chain = %q", got)
	}
	if got := Any(mkdir, touch).String(); got != "mkdir -p /a || touch /a/b" {
		t.Fatalf("Any = %q", got)
	}
	if got := Pipe(Cmd("cat", "/a/b"), Cmd("wc", "-l")).String(); got != "cat /a/b | wc -l" {
		t.Fatalf("Pipe = %q", got)
	}
	if got := Combine(nil, touch, Command{}).String(); got != "touch /a/b" {
		t.Fatalf("Combine with empty = %q", got)
	}
}

func TestCommandAppendDoesNotAlias(t *testing.T) {
	base := make(Command, 2, 10)
	copy(base, Cmd("echo", "x"))

	first := base.AppendTo("/one")
	second := base.AppendTo("/two")

	if first.String() != "echo x >> /one" {
		t.Fatalf("first = %q", first.String())
	}
	if second.String() != "echo x >> /two" {
		t.Fatalf("second = %q", second.String())
	}
}
