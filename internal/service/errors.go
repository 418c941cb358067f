package service

import "fmt"

// 业务层错误按种类建模，handler 通过 errors.As 映射到 HTTP 状态码。
// 每种错误都携带调用方需要的最小信息，store 事务内抛出的错误原样透传。

// NotFoundError 表示实体不存在（用户 / 房间 / 邀请）。
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// ConflictError 表示操作与当前状态冲突（重名注册、邀请已终态）。
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return e.Reason }

// AuthError 表示凭证或 token 无效。对外不区分失败原因，避免用户名枚举。
type AuthError struct{}

func (e *AuthError) Error() string { return "invalid credentials" }

// ForbiddenError 表示操作者没有权限（非成员发消息、非收件人响应邀请）。
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string { return e.Reason }

// ValidationError 表示输入格式非法（如附件编码损坏），在任何状态变更前拒绝。
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }
