// Package errcode holds the typed rejection reasons returned by the
// coordination core. Every rejected call returns one of these and leaves the
// state unchanged.
package errcode

import (
	"errors"
	"fmt"
)

type Code string

const (
	InvalidAmount       Code = "InvalidAmount"
	InsufficientBalance Code = "InsufficientBalance"
	InsufficientStake   Code = "InsufficientStake"
	NodeActive          Code = "NodeActive"
	DuplicateNode       Code = "DuplicateNode"
	DuplicateEndpoint   Code = "DuplicateEndpoint"
	UnknownNode         Code = "UnknownNode"
	NodeSuspended       Code = "NodeSuspended"
	NodeInactive        Code = "NodeInactive"
	PendingTasks        Code = "PendingTasks"
	InvalidNode         Code = "InvalidNode"
	InvalidTask         Code = "InvalidTask"
	UnknownTask         Code = "UnknownTask"
	NotCancellable      Code = "NotCancellable"
	NotRequester        Code = "NotRequester"
	NotAssignee         Code = "NotAssignee"
	NotNode             Code = "NotNode"
	TaskNotExecuting    Code = "TaskNotExecuting"
	DeadlineExceeded    Code = "DeadlineExceeded"
	AlreadySettled      Code = "AlreadySettled"
	InvalidProof        Code = "InvalidProof"
	InvalidParams       Code = "InvalidParams"
	NotOwner            Code = "NotOwner"
	Paused              Code = "Paused"
	PolicyDenied        Code = "PolicyDenied"
	RateLimited         Code = "RateLimited"
)

// Class groups codes by how a transport should surface them.
type Class string

const (
	ClassValidation    Class = "validation"
	ClassAuthorization Class = "authorization"
	ClassConflict      Class = "conflict"
	ClassNotFound      Class = "not_found"
	ClassUnavailable   Class = "unavailable"
)

var classes = map[Code]Class{
	InvalidAmount:       ClassValidation,
	InsufficientBalance: ClassConflict,
	InsufficientStake:   ClassValidation,
	NodeActive:          ClassConflict,
	DuplicateNode:       ClassConflict,
	DuplicateEndpoint:   ClassConflict,
	UnknownNode:         ClassNotFound,
	NodeSuspended:       ClassConflict,
	NodeInactive:        ClassConflict,
	PendingTasks:        ClassConflict,
	InvalidNode:         ClassValidation,
	InvalidTask:         ClassValidation,
	UnknownTask:         ClassNotFound,
	NotCancellable:      ClassConflict,
	NotRequester:        ClassAuthorization,
	NotAssignee:         ClassAuthorization,
	NotNode:             ClassAuthorization,
	TaskNotExecuting:    ClassConflict,
	DeadlineExceeded:    ClassConflict,
	AlreadySettled:      ClassConflict,
	InvalidProof:        ClassValidation,
	InvalidParams:       ClassValidation,
	NotOwner:            ClassAuthorization,
	Paused:              ClassUnavailable,
	PolicyDenied:        ClassAuthorization,
	RateLimited:         ClassUnavailable,
}

type Error struct {
	Code    Code
	Class   Class
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// Is matches on code so that errors.Is(err, ErrUnknownNode) holds for any
// message attached to the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func New(code Code, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Code: code, Class: ClassOf(code), Message: msg}
}

func ClassOf(code Code) Class {
	if c, ok := classes[code]; ok {
		return c
	}
	return ClassValidation
}

// CodeOf returns the code carried by err, or "" when err is not typed.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func sentinel(code Code) *Error {
	return &Error{Code: code, Class: ClassOf(code)}
}

var (
	ErrInvalidAmount       = sentinel(InvalidAmount)
	ErrInsufficientBalance = sentinel(InsufficientBalance)
	ErrInsufficientStake   = sentinel(InsufficientStake)
	ErrNodeActive          = sentinel(NodeActive)
	ErrDuplicateNode       = sentinel(DuplicateNode)
	ErrDuplicateEndpoint   = sentinel(DuplicateEndpoint)
	ErrUnknownNode         = sentinel(UnknownNode)
	ErrNodeSuspended       = sentinel(NodeSuspended)
	ErrNodeInactive        = sentinel(NodeInactive)
	ErrPendingTasks        = sentinel(PendingTasks)
	ErrInvalidNode         = sentinel(InvalidNode)
	ErrInvalidTask         = sentinel(InvalidTask)
	ErrUnknownTask         = sentinel(UnknownTask)
	ErrNotCancellable      = sentinel(NotCancellable)
	ErrNotRequester        = sentinel(NotRequester)
	ErrNotAssignee         = sentinel(NotAssignee)
	ErrNotNode             = sentinel(NotNode)
	ErrTaskNotExecuting    = sentinel(TaskNotExecuting)
	ErrDeadlineExceeded    = sentinel(DeadlineExceeded)
	ErrAlreadySettled      = sentinel(AlreadySettled)
	ErrInvalidProof        = sentinel(InvalidProof)
	ErrInvalidParams       = sentinel(InvalidParams)
	ErrNotOwner            = sentinel(NotOwner)
	ErrPaused              = sentinel(Paused)
	ErrPolicyDenied        = sentinel(PolicyDenied)
	ErrRateLimited         = sentinel(RateLimited)
)
