package domain

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorThreadCreation       ErrorCode = "THREAD_CREATION"
	ErrorMessageSend          ErrorCode = "MESSAGE_SEND"
	ErrorConversationNotFound ErrorCode = "CONVERSATION_NOT_FOUND"
	ErrorRemoteFetch          ErrorCode = "REMOTE_FETCH"
	ErrorInvalidInput         ErrorCode = "INVALID_INPUT"
)

// Error is the coded error shared by the transport and the session.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("chat: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("chat: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func NewError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Code
}

func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
