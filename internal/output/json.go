// Package output renders the envelopes mnemod commands print to stdout.
// One envelope per invocation; logs go to stderr so stdout stays parseable.
package output

import (
	"encoding/json"
	"os"

	"github.com/dotcommander/mnemo/internal/models"
)

// Response is the envelope every command prints.
type Response struct {
	SchemaVersion string `json:"schema_version"`
	Success       bool   `json:"success"`
	Data          any    `json:"data,omitempty"`
	Error         string `json:"error,omitempty"`
	ErrorKind     string `json:"error_kind,omitempty"`
}

// Success wraps data in a success envelope.
func Success(data any) Response {
	return Response{
		SchemaVersion: "v1",
		Success:       true,
		Data:          data,
	}
}

// Error wraps err in a failure envelope, surfacing its taxonomy kind so
// scripted callers can branch without parsing the message.
func Error(err error) Response {
	return Response{
		SchemaVersion: "v1",
		Success:       false,
		Error:         err.Error(),
		ErrorKind:     string(models.KindOf(err)),
	}
}

// Print encodes v as JSON on stdout. Output is compact so agent callers
// spend fewer tokens on it; set MNEMOD_PRETTY_JSON=1 when reading by hand.
func Print(v any) error {
	enc := json.NewEncoder(os.Stdout)
	if pretty := os.Getenv("MNEMOD_PRETTY_JSON"); pretty == "1" || pretty == "true" {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

// PrintSuccess prints a success envelope around data.
func PrintSuccess(data any) error {
	return Print(Success(data))
}

// PrintError prints a failure envelope for err.
func PrintError(err error) error {
	return Print(Error(err))
}
