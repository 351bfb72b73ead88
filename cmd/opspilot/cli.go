// Package main defines the CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Run     RunCmd     `cmd:"" help:"Analyze a task, plan its agent sequence, and execute it"`
	Resume  ResumeCmd  `cmd:"" help:"Resume an interrupted plan from its checkpoint"`
	Revise  ReviseCmd  `cmd:"" help:"Submit feedback on a completed plan"`
	Cancel  CancelCmd  `cmd:"" help:"Clear a terminal plan's checkpoint and buffers"`
	Status  StatusCmd  `cmd:"" help:"Show plan status, or list known plans"`
	Replay  ReplayCmd  `cmd:"" help:"Replay a plan's record as a timeline"`
	Tail    TailCmd    `cmd:"" help:"Follow a plan's record live as it executes"`
	Clean   CleanCmd   `cmd:"" help:"Remove finished plans older than a retention window"`
	Setup   SetupCmd   `cmd:"" help:"Interactive first-run configuration"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// RunCmd plans and executes a task description.
type RunCmd struct {
	Task    string `arg:"" help:"Free-text task description"`
	Config  string `help:"Config file path"`
	Session string `help:"Session ID to group related plans"`
	Quiet   bool   `short:"q" help:"Suppress live progress output"`
}

// ResumeCmd continues a checkpointed plan.
type ResumeCmd struct {
	PlanID string `arg:"" help:"Plan ID to resume"`
	Config string `help:"Config file path"`
	Quiet  bool   `short:"q" help:"Suppress live progress output"`
}

// ReviseCmd classifies feedback against a completed plan and re-executes
// the steps it targets.
type ReviseCmd struct {
	PlanID   string `arg:"" help:"Plan ID the feedback applies to"`
	Feedback string `arg:"" help:"Free-text feedback"`
	Config   string `help:"Config file path"`
	Quiet    bool   `short:"q" help:"Suppress live progress output"`
}

// CancelCmd releases a finished plan.
type CancelCmd struct {
	PlanID string `arg:"" help:"Plan ID to release"`
	Config string `help:"Config file path"`
}

// StatusCmd shows a plan's checkpointed state, or lists all known plans.
type StatusCmd struct {
	PlanID string `arg:"" optional:"" help:"Plan ID (omit to list all plans)"`
	Config string `help:"Config file path"`
}

// ReplayCmd renders a plan record.
type ReplayCmd struct {
	PlanID  string `arg:"" help:"Plan ID to replay"`
	Config  string `help:"Config file path"`
	Verbose int    `short:"v" type:"counter" help:"Verbosity level"`
	NoPager bool   `help:"Disable pager for output"`
	Live    bool   `help:"Follow the record as the plan executes"`
}

// TailCmd follows a plan's record live.
type TailCmd struct {
	PlanID string `arg:"" help:"Plan ID to follow"`
	Config string `help:"Config file path"`
}

// CleanCmd sweeps terminal plans past their retention window.
type CleanCmd struct {
	Config    string `help:"Config file path"`
	OlderThan string `default:"168h" help:"Retention window for finished plans"`
}

// SetupCmd launches the configuration wizard.
type SetupCmd struct{}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
