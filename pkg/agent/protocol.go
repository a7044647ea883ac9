package agent

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aivorynet/ipa-go/pkg/breakpoint"
	"github.com/aivorynet/ipa-go/pkg/frame"
	"github.com/aivorynet/ipa-go/pkg/trace"
	"github.com/aivorynet/ipa-go/pkg/transport"
)

// Reply types.
const (
	ReplyInserted    = "inserted"
	ReplyUpdated     = "updated"
	ReplyRemoved     = "removed"
	ReplyArmed       = "armed"
	ReplyCatchSet    = "catch_set"
	ReplyBreakpoints = "breakpoints"
	ReplyError       = "error"
)

// Error codes carried by ReplyError.
const (
	CodeBadRequest       = "bad_request"
	CodeCapacityExceeded = "capacity_exceeded"
	CodeInvalid          = "invalid_breakpoint"
	CodeUnknownSlot      = "unknown_slot"
	CodeNoFrame          = "no_frame"
	CodeUnknownCommand   = "unknown_command"
)

// ErrorReply is the payload of ReplyError.
type ErrorReply struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SlotReply is the payload of the insert, update and remove replies.
type SlotReply struct {
	Slot    int  `json:"slot"`
	Removed bool `json:"removed,omitempty"`
}

// ListReply is the payload of ReplyBreakpoints.
type ListReply struct {
	Breakpoints     []breakpoint.Info `json:"breakpoints"`
	Hits            uint64            `json:"hits"`
	CatchCalls      string            `json:"catch_calls,omitempty"`
	CatchExceptions string            `json:"catch_exceptions,omitempty"`
}

// ArmedReply is the payload of ReplyArmed.
type ArmedReply struct {
	Command string         `json:"command"`
	Thread  frame.ThreadID `json:"thread"`
}

type breakpointRequest struct {
	Slot int `json:"slot"`
	breakpoint.Spec
}

type slotRequest struct {
	Slot int `json:"slot"`
}

type stepRequest struct {
	Thread frame.ThreadID `json:"thread"`
	Count  int            `json:"count"`
	Line   int            `json:"line"`
}

type catchRequest struct {
	Calls      *string `json:"calls"`
	Exceptions *string `json:"exceptions"`
}

// HandleCommand implements transport.Handler.
func (a *Agent) HandleCommand(cmd transport.Command) (string, interface{}) {
	a.logger.Debug("command", "type", cmd.Type, "id", cmd.ID)

	switch cmd.Type {
	case "insert":
		return a.insert(cmd.Payload)
	case "update":
		return a.update(cmd.Payload)
	case "remove":
		return a.remove(cmd.Payload)
	case "step", "next", "finish", "until", "advance":
		return a.step(cmd.Type, cmd.Payload)
	case "cancel":
		a.session.CancelStep()
		return ReplyArmed, ArmedReply{Command: "cancel"}
	case "catch":
		return a.catch(cmd.Payload)
	case "list":
		return ReplyBreakpoints, a.list()
	default:
		return errorReply(CodeUnknownCommand, fmt.Errorf("unknown command %q", cmd.Type))
	}
}

func errorReply(code string, err error) (string, interface{}) {
	return ReplyError, ErrorReply{Code: code, Message: err.Error()}
}

func decode(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	return json.Unmarshal(payload, v)
}

// decodeBreakpoint decodes a breakpoint request. Breakpoints are enabled
// unless the request says otherwise.
func decodeBreakpoint(payload json.RawMessage) (breakpointRequest, error) {
	req := breakpointRequest{Spec: breakpoint.Spec{State: breakpoint.Enabled()}}
	err := decode(payload, &req)
	return req, err
}

func (a *Agent) insert(payload json.RawMessage) (string, interface{}) {
	req, err := decodeBreakpoint(payload)
	if err != nil {
		return errorReply(CodeBadRequest, err)
	}
	a.checkCondition(req.Condition)

	slot, err := a.session.InsertBreakpoint(req.Spec)
	switch {
	case errors.Is(err, breakpoint.ErrCapacityExceeded):
		a.metrics.CapacityExceededTotal.Inc()
		return errorReply(CodeCapacityExceeded, err)
	case err != nil:
		return errorReply(CodeInvalid, err)
	}
	a.metrics.Breakpoints.Set(float64(len(a.session.Breakpoints())))
	return ReplyInserted, SlotReply{Slot: slot}
}

func (a *Agent) update(payload json.RawMessage) (string, interface{}) {
	req, err := decodeBreakpoint(payload)
	if err != nil {
		return errorReply(CodeBadRequest, err)
	}
	if _, ok := a.session.Breakpoint(req.Slot); !ok {
		return errorReply(CodeUnknownSlot, fmt.Errorf("slot %d is not in use", req.Slot))
	}
	a.checkCondition(req.Condition)

	if err := a.session.UpdateBreakpoint(req.Slot, req.Spec); err != nil {
		return errorReply(CodeInvalid, err)
	}
	return ReplyUpdated, SlotReply{Slot: req.Slot}
}

func (a *Agent) remove(payload json.RawMessage) (string, interface{}) {
	var req slotRequest
	if err := decode(payload, &req); err != nil {
		return errorReply(CodeBadRequest, err)
	}
	removed := a.session.RemoveBreakpoint(req.Slot)
	a.metrics.Breakpoints.Set(float64(len(a.session.Breakpoints())))
	return ReplyRemoved, SlotReply{Slot: req.Slot, Removed: removed}
}

// checkCondition warns about conditions that will never fire.
func (a *Agent) checkCondition(expr string) {
	if expr == "" {
		return
	}
	if err := a.evaluator.Check(expr); err != nil {
		a.logger.Warn("breakpoint condition does not compile", "condition", expr, "error", err)
	}
}

func (a *Agent) step(command string, payload json.RawMessage) (string, interface{}) {
	req := stepRequest{Count: 1}
	if err := decode(payload, &req); err != nil {
		return errorReply(CodeBadRequest, err)
	}

	f, ok := a.StoppedFrame(req.Thread)
	if !ok {
		return errorReply(CodeNoFrame, trace.ErrNoFrame)
	}

	var err error
	switch command {
	case "step":
		err = a.session.Step(f, req.Count)
	case "next":
		err = a.session.Next(f, req.Count)
	case "finish":
		err = a.session.Finish(f)
	case "until":
		err = a.session.Until(f, req.Line)
	case "advance":
		err = a.session.Advance(f, req.Line)
	}
	if err != nil {
		return errorReply(CodeBadRequest, err)
	}
	return ReplyArmed, ArmedReply{Command: command, Thread: f.Thread()}
}

func (a *Agent) catch(payload json.RawMessage) (string, interface{}) {
	var req catchRequest
	if err := decode(payload, &req); err != nil {
		return errorReply(CodeBadRequest, err)
	}
	if req.Calls != nil {
		a.session.CatchCalls(*req.Calls)
	}
	if req.Exceptions != nil {
		a.session.CatchExceptions(*req.Exceptions)
	}
	calls, exceptions := a.session.Watchlists()
	return ReplyCatchSet, map[string]string{"calls": calls, "exceptions": exceptions}
}

func (a *Agent) list() ListReply {
	calls, exceptions := a.session.Watchlists()
	bps := a.session.Breakpoints()
	if bps == nil {
		bps = []breakpoint.Info{}
	}
	return ListReply{
		Breakpoints:     bps,
		Hits:            a.session.Hits(),
		CatchCalls:      calls,
		CatchExceptions: exceptions,
	}
}
