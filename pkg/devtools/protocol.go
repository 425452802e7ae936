package devtools

import "encoding/json"

// Wire types for the DevTools protocol. Only the slices of the protocol the
// session uses are modelled: target discovery over HTTP, the id-correlated
// command envelope, and Runtime.evaluate results.

// targetInfo is one entry from GET /json/list on the debugging endpoint.
type targetInfo struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// request is a protocol command sent over the websocket.
type request struct {
	ID     int64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// response is a protocol reply or event. Replies carry the id of the
// request they answer; events carry a method and no id.
type response struct {
	ID     int64           `json:"id"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *commandError   `json:"error,omitempty"`
}

// commandError is the protocol-level error object on a reply.
type commandError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// evaluateParams are the parameters for Runtime.evaluate.
type evaluateParams struct {
	Expression    string `json:"expression"`
	AwaitPromise  bool   `json:"awaitPromise"`
	ReturnByValue bool   `json:"returnByValue"`
}

// evaluateResult is the result shape of Runtime.evaluate.
type evaluateResult struct {
	Result struct {
		Type        string          `json:"type"`
		Value       json.RawMessage `json:"value,omitempty"`
		Description string          `json:"description,omitempty"`
	} `json:"result"`
	ExceptionDetails *exceptionDetails `json:"exceptionDetails,omitempty"`
}

// exceptionDetails describes an exception thrown during remote evaluation.
type exceptionDetails struct {
	Text      string `json:"text"`
	Exception *struct {
		Description string `json:"description"`
		Value       any    `json:"value"`
	} `json:"exception,omitempty"`
}

// description returns the most specific available description of the thrown
// exception.
func (d *exceptionDetails) description() string {
	if d.Exception != nil && d.Exception.Description != "" {
		return d.Exception.Description
	}
	return d.Text
}
