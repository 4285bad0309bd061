package daemon

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dotcommander/mnemo/internal/models"
)

// JSON-RPC 2.0 envelope.

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC   string    `json:"jsonrpc"`
	ID        any       `json:"id"`
	RequestID string    `json:"request_id,omitempty"`
	Result    any       `json:"result,omitempty"`
	Error     *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Standard JSON-RPC codes plus a server-defined range for the domain
// taxonomy.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603

	codeNotFound         = -32001
	codeForbidden        = -32002
	codeTenantMismatch   = -32003
	codePolicyRejected   = -32004
	codeOversizePayload  = -32005
	codeBudgetImpossible = -32006
	codeDeadlineExceeded = -32007
	codeStoreUnavailable = -32008
)

var kindCodes = map[models.ErrorKind]int{
	models.ErrValidation:       codeInvalidParams,
	models.ErrTenantMismatch:   codeTenantMismatch,
	models.ErrPolicyRejected:   codePolicyRejected,
	models.ErrOversizePayload:  codeOversizePayload,
	models.ErrNotFound:         codeNotFound,
	models.ErrForbidden:        codeForbidden,
	models.ErrBudgetImpossible: codeBudgetImpossible,
	models.ErrDeadlineExceeded: codeDeadlineExceeded,
	models.ErrStoreUnavailable: codeStoreUnavailable,
	models.ErrFatalInternal:    codeInternalError,
}

// rpcErrorFor maps a domain error onto the wire taxonomy. Unknown errors
// become internal errors without leaking their text structure.
func rpcErrorFor(err error) *rpcError {
	kind := models.KindOf(err)
	code, ok := kindCodes[kind]
	if !ok {
		code = codeInternalError
	}

	out := &rpcError{Code: code, Message: err.Error()}
	var me *models.Error
	if errors.As(err, &me) && len(me.Details) > 0 {
		out.Details = me.Details
	}
	return out
}

func writeResponse(w http.ResponseWriter, resp *rpcResponse) {
	resp.JSONRPC = "2.0"
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, id any, code int, message string) {
	writeResponse(w, &rpcResponse{ID: id, Error: &rpcError{Code: code, Message: message}})
}
