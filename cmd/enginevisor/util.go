package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/loykin/enginevisor/internal/supervisor"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

// failure turns an unsuccessful envelope into the command error so the exit
// code reflects it. The envelope itself has already been printed.
func failure(e supervisor.Envelope) error {
	if e.Success {
		return nil
	}
	if e.Kind == "" {
		return fmt.Errorf("%s", e.Error)
	}
	return fmt.Errorf("%s: %s", e.Kind, e.Error)
}
