package main

import "time"

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	// Remote daemon connection; empty APIUrl means act locally
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
	Token      string
}

type ServeFlags struct {
	Listen    string
	AutoStart bool
	Daemonize bool
	PidFile   string
	LogFile   string
}

type StatusFlags struct {
	// Check makes an unreachable engine a non-zero exit.
	Check bool
}

type ExecutionsFlags struct {
	WorkflowID string
	Limit      int
}

type LogsFlags struct {
	Lines int
}

type InitFlags struct {
	Type    string
	Output  string
	Force   bool
	Port    int
	DataDir string
	Version string
}
