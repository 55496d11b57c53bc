package notification

import (
	"errors"
	"fmt"
)

// ErrNotFound はストアやディレクトリに対象が存在しないことを表す。
var ErrNotFound = errors.New("対象が見つかりません")

// Code はエラーの分類。HTTPステータスへの対応付けに使う。
type Code string

const (
	CodeValidation     Code = "VALIDATION_ERROR"
	CodeNotFound       Code = "NOT_FOUND"
	CodeForbidden      Code = "FORBIDDEN"
	CodeInternal       Code = "INTERNAL_ERROR"
	CodePartialFailure Code = "PARTIAL_FAILURE"
)

// Error は分類付きのエラー。Messageは呼び出し元へそのまま返してよい内容に限る。
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func validationError(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func notFoundError(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func forbiddenError(format string, args ...any) *Error {
	return &Error{Code: CodeForbidden, Message: fmt.Sprintf(format, args...)}
}

// internalError は協調先の失敗を包む。原因はErrにのみ保持し、Messageには含めない。
func internalError(message string, err error) *Error {
	return &Error{Code: CodeInternal, Message: message, Err: err}
}

// PartialFailureError は一斉送信で一部の通知だけが保存されたことを表す。
// 保存済みの通知は取り消さない。
type PartialFailureError struct {
	// Created は失敗前に保存された通知。
	Created []*Notification
	// Total は保存しようとした通知の総数。
	Total int
	// Err は保存に失敗した原因。
	Err error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%s: %d/%d 件の通知のみ保存されました: %v", CodePartialFailure, len(e.Created), e.Total, e.Err)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }

// CodeOf はエラーの分類を返す。分類されていないエラーは内部エラーとみなす。
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var pf *PartialFailureError
	if errors.As(err, &pf) {
		return CodePartialFailure
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
