package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/jonwraymond/ruleops/document"
	"github.com/jonwraymond/ruleops/engine"
	"github.com/jonwraymond/ruleops/selector"
)

// ExecOptions overrides engine defaults for one request. Nil fields keep
// the default.
type ExecOptions struct {
	Concurrency     *int  `json:"concurrency,omitempty"`
	FailFast        *bool `json:"fail_fast,omitempty"`
	StopOnError     *bool `json:"stop_on_error,omitempty"`
	Pipeline        *bool `json:"pipeline,omitempty"`
	ContinueOnError *bool `json:"continue_on_error,omitempty"`
	Profile         *bool `json:"profile,omitempty"`
}

func (o *ExecOptions) engineOptions() []engine.Option {
	if o == nil {
		return nil
	}
	var opts []engine.Option
	if o.Concurrency != nil {
		opts = append(opts, engine.WithConcurrency(*o.Concurrency))
	}
	if o.FailFast != nil {
		opts = append(opts, engine.WithFailFast(*o.FailFast))
	}
	if o.StopOnError != nil {
		opts = append(opts, engine.WithStopOnError(*o.StopOnError))
	}
	if o.Pipeline != nil {
		opts = append(opts, engine.WithPipeline(*o.Pipeline))
	}
	if o.ContinueOnError != nil {
		opts = append(opts, engine.WithContinueOnError(*o.ContinueOnError))
	}
	if o.Profile != nil {
		opts = append(opts, engine.WithProfile(*o.Profile))
	}
	return opts
}

// ExecuteRequest is the body of POST /v1/execute.
type ExecuteRequest struct {
	Selector selector.Selector `json:"selector"`
	Input    document.Value    `json:"input"`
	Options  *ExecOptions      `json:"options,omitempty"`
}

// ResultResponse is the JSON form of an engine.Result. Error is set when
// execution halted early; the results gathered before the halt are kept.
type ResultResponse struct {
	ExecutionID string                    `json:"execution_id"`
	Results     map[string]document.Value `json:"results"`
	Errors      map[string]string         `json:"errors,omitempty"`
	Elapsed     string                    `json:"elapsed"`
	Plan        *selector.Plan            `json:"plan,omitempty"`
	Profile     *engine.Profile           `json:"profile,omitempty"`
	Error       string                    `json:"error,omitempty"`
}

// NewResultResponse renders res and the error returned with it.
func NewResultResponse(res *engine.Result, err error) ResultResponse {
	out := ResultResponse{
		ExecutionID: res.ExecutionID,
		Results:     res.Results,
		Errors:      errorMap(res.Errors),
		Elapsed:     res.Elapsed.String(),
		Plan:        res.Plan,
		Profile:     res.Profile,
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

// BatchRequest is the body of POST /v1/batch.
type BatchRequest struct {
	IDs     []string         `json:"ids"`
	Inputs  []document.Value `json:"inputs"`
	Options *ExecOptions     `json:"options,omitempty"`
}

// BatchResponse is the JSON form of an engine.BatchResult.
type BatchResponse struct {
	ExecutionID string           `json:"execution_id"`
	Items       []ResultResponse `json:"items"`
	Elapsed     string           `json:"elapsed"`
	Profile     *engine.Profile  `json:"profile,omitempty"`
	Error       string           `json:"error,omitempty"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	return decodeBody(w, r, v, false)
}

// decodeOptional is decode that accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	return decodeBody(w, r, v, true)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, CodeTooLarge, "request body too large")
			return false
		}
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, err.Error())
		return false
	}
	if optional && len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidJSON, err.Error())
		return false
	}
	return true
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.Execute(r.Context(), req.Selector, req.Input, req.Options.engineOptions()...)
	if res == nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewResultResponse(res, err))
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, "ids are required")
		return
	}
	br, err := s.engine.ExecuteBatch(r.Context(), req.IDs, req.Inputs, req.Options.engineOptions()...)
	if br == nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewBatchResponse(br, err))
}

// NewBatchResponse renders br and the error returned with it.
func NewBatchResponse(br *engine.BatchResult, err error) BatchResponse {
	out := BatchResponse{
		ExecutionID: br.ExecutionID,
		Items:       make([]ResultResponse, len(br.Items)),
		Elapsed:     br.Elapsed.String(),
		Profile:     br.Profile,
	}
	for i, item := range br.Items {
		out.Items[i] = NewResultResponse(item, nil)
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}
