package cli

import (
	"editoragent/internal/config"
	"editoragent/internal/db"
	"editoragent/internal/llm"
)

// Function variables for dependency injection in tests.
// Default values are the real implementations; tests may temporarily swap them.
var (
	configWriteDefault = config.WriteDefault
	configLoad         = config.Load
	configSave         = config.Save
	dbConnect          = db.Connect
	newTransport       = llm.NewTransport
	setValueAtPathFn   = setValueAtPath
)
