// Package errs 定义告警核心的错误分类。
// 校验错误、未找到、终态冲突直接返回调用方；
// 投递失败记录为结果数据，永远不作为 error 上抛；
// 调度失败必须中止触发它的状态变更并大声上报。
package errs

import (
	"errors"
	"fmt"
)

// ValidationError 输入校验失败（客户端不应原样重试）
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NewValidationError 创建校验错误
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError 目标不存在
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// AlreadyTerminalError 对已 resolved 的告警执行操作（冲突，不是客户端 bug）
type AlreadyTerminalError struct {
	AlertID string
	Op      string
}

func (e *AlreadyTerminalError) Error() string {
	return fmt.Sprintf("alert %s is resolved, cannot %s", e.AlertID, e.Op)
}

// NewAlreadyTerminalError 创建终态冲突错误
func NewAlreadyTerminalError(alertID, op string) *AlreadyTerminalError {
	return &AlreadyTerminalError{AlertID: alertID, Op: op}
}

// SchedulingFailure 定时器子系统无法安排/取消截止时间。
// 未被安排的升级是患者安全缺陷，必须中止触发操作并上抛。
type SchedulingFailure struct {
	AlertID string
	Err     error
}

func (e *SchedulingFailure) Error() string {
	return fmt.Sprintf("failed to schedule escalation for alert %s: %v", e.AlertID, e.Err)
}

func (e *SchedulingFailure) Unwrap() error {
	return e.Err
}

// IsValidation 判断是否为校验错误
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound 判断是否为未找到错误
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsAlreadyTerminal 判断是否为终态冲突
func IsAlreadyTerminal(err error) bool {
	var at *AlreadyTerminalError
	return errors.As(err, &at)
}
