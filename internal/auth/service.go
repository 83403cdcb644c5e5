package auth

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"Sokosumi-Chain/pkg/logger"
)

// Service 使用静态令牌校验 API 请求。未配置任何令牌时认证处于关闭状态。
type Service struct {
	tokens map[[sha256.Size]byte]*Subject
	audit  *slog.Logger
}

// NewService 根据令牌列表构建认证服务。令牌仅以摘要形式保存在内存中。
func NewService(tokens []Token) (*Service, error) {
	s := &Service{tokens: make(map[[sha256.Size]byte]*Subject, len(tokens))}
	names := make(map[string]struct{}, len(tokens))
	for i, token := range tokens {
		secret := strings.TrimSpace(token.Secret)
		if secret == "" {
			return nil, fmt.Errorf("第 %d 个 API 令牌为空", i+1)
		}
		name := strings.TrimSpace(token.Name)
		if name == "" {
			name = fmt.Sprintf("token-%d", i+1)
		}
		if _, dup := names[name]; dup {
			return nil, fmt.Errorf("API 令牌名称重复: %s", name)
		}
		names[name] = struct{}{}
		perms := token.Permissions
		if len(perms) == 0 {
			perms = []string{PermAll}
		}
		digest := sha256.Sum256([]byte(secret))
		if _, dup := s.tokens[digest]; dup {
			return nil, fmt.Errorf("API 令牌重复: %s", name)
		}
		s.tokens[digest] = newSubject(name, perms)
	}
	return s, nil
}

// Enabled 判断是否需要校验请求。
func (s *Service) Enabled() bool {
	return s != nil && len(s.tokens) > 0
}

// WithAuditLogger 指定访问审计日志的输出。
func (s *Service) WithAuditLogger(l *slog.Logger) *Service {
	if s != nil {
		s.audit = l
	}
	return s
}

// AuthenticateRequest 解析 Authorization 头并返回对应的调用方。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if !s.Enabled() {
		return nil, errors.New("authentication disabled")
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	subject, found := s.tokens[sha256.Sum256([]byte(strings.TrimSpace(token)))]
	if !found {
		return nil, ErrInvalidToken
	}
	return subject, nil
}

func (s *Service) auditLogger() *slog.Logger {
	if s.audit != nil {
		return s.audit
	}
	return logger.Audit()
}
