package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func TestRootCommand(t *testing.T) {
	root := NewRootCommand()
	if root == nil {
		t.Fatal("root command should not be nil")
	}

	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs([]string{"--help"})

	_ = root.Execute()

	output := buf.String()
	if !strings.Contains(strings.ToLower(output), "sandbox") {
		t.Errorf("help text should mention sandboxd, got: %s", output)
	}
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := NewRootCommand()
	want := []string{"serve", "workspace", "analyze", "plan", "execute", "task", "stats"}
	for _, name := range want {
		if findCommand(root, name) == nil {
			t.Errorf("expected subcommand %q to be registered", name)
		}
	}
}

func TestPlanCommandHasApprovalSubcommands(t *testing.T) {
	root := NewRootCommand()
	planCmd := findCommand(root, "plan")
	if planCmd == nil {
		t.Fatal("plan command should be registered")
	}

	want := []string{"create", "submit", "approve", "reject", "revise"}
	for _, name := range want {
		if findCommand(planCmd, name) == nil {
			t.Errorf("expected plan subcommand %q to be registered", name)
		}
	}
}

func TestStatsCommandHasLimitConfigurationSubcommands(t *testing.T) {
	root := NewRootCommand()
	statsCmd := findCommand(root, "stats")
	if statsCmd == nil {
		t.Fatal("stats command should be registered")
	}

	want := []string{"resources", "connections", "cleanup", "configure-rate-limits", "configure-connection-limits"}
	for _, name := range want {
		if findCommand(statsCmd, name) == nil {
			t.Errorf("expected stats subcommand %q to be registered", name)
		}
	}
}

func findCommand(parent *cobra.Command, name string) *cobra.Command {
	for _, sub := range parent.Commands() {
		if sub.Name() == name {
			return sub
		}
	}
	return nil
}
