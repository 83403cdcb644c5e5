package auth

import (
	"errors"
	"fmt"
	"strings"
)

// 认证子系统返回的通用错误。
var (
	ErrMissingToken     = errors.New("missing bearer token")
	ErrInvalidToken     = errors.New("invalid token")
	ErrPermissionDenied = errors.New("permission denied")
)

// 守护进程 API 使用的权限。
const (
	PermHiresRead   = "hires:read"
	PermHiresWrite  = "hires:write"
	PermResultWrite = "results:write"
	// PermAll 授予全部权限。
	PermAll = "*"
)

// Token 为一条静态 API 令牌配置。
type Token struct {
	Name        string
	Secret      string
	Permissions []string
}

// Subject 描述通过认证的调用方，经由上下文传递给处理函数。
type Subject struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`

	permissionsSet map[string]struct{}
}

func newSubject(name string, perms []string) *Subject {
	s := &Subject{Name: name, Permissions: append([]string(nil), perms...)}
	s.permissionsSet = make(map[string]struct{}, len(perms))
	for _, perm := range perms {
		s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
	}
	return s
}

// HasPermission 判断调用方是否具备指定权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	if _, ok := s.permissionsSet[PermAll]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize 确认调用方具备全部所需权限。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}
