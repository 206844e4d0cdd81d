package service

import (
	"errors"
	"fmt"
)

// ErrorCode 是回合编排对外暴露的错误分类。
type ErrorCode string

const (
	CodeUnknownCharacter ErrorCode = "UNKNOWN_CHARACTER"
	CodeGenerationFailed ErrorCode = "GENERATION_FAILED"
	CodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	CodeProtocolError    ErrorCode = "PROTOCOL_ERROR"
	CodeRoomNotFound     ErrorCode = "ROOM_NOT_FOUND"
	CodeAlreadySeeded    ErrorCode = "ALREADY_SEEDED"
)

// TurnError 携带错误分类、面向调用方的原因以及底层错误。
type TurnError struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *TurnError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.Err)
}

func (e *TurnError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newTurnError(code ErrorCode, reason string, err error) *TurnError {
	return &TurnError{Code: code, Reason: reason, Err: err}
}

// NewProtocolError 供传输层在请求信封不合法时使用。
func NewProtocolError(reason string, err error) *TurnError {
	return newTurnError(CodeProtocolError, reason, err)
}

// CodeOf 提取错误分类，非 TurnError 返回空字符串。
func CodeOf(err error) ErrorCode {
	var te *TurnError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// IsRetryable 报告同一请求原样重试是否安全且可能成功。
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeGenerationFailed, CodeStoreUnavailable:
		return true
	}
	return false
}

// NewStoreUnavailableError 供传输层在依赖的存储或队列不可用时使用。
func NewStoreUnavailableError(reason string, err error) *TurnError {
	return newTurnError(CodeStoreUnavailable, reason, err)
}
