package opensearch

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// 错误分类哨兵。调用方用 errors.Is 匹配，不需要感知具体错误结构。
var (
	ErrConnection       = errors.New("connection error")
	ErrTimeout          = errors.New("timeout")
	ErrAuthentication   = errors.New("authentication error")
	ErrIndexNotFound    = errors.New("index not found")
	ErrDocumentNotFound = errors.New("document not found")
	ErrBulk             = errors.New("bulk operation error")
	ErrQuery            = errors.New("search query error")
	ErrMapping          = errors.New("mapping error")
	ErrVersionConflict  = errors.New("version conflict")
	ErrResourceExists   = errors.New("resource already exists")
	ErrConfig           = errors.New("configuration error")
	ErrValidation       = errors.New("validation error")
	ErrClientClosed     = errors.New("client closed")
)

// SearchError 包装底层错误并归类到固定的错误类别。
type SearchError struct {
	Kind    error
	Message string
	Cause   error
}

func (e *SearchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (original: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *SearchError) Is(target error) bool { return target == e.Kind }

func (e *SearchError) Unwrap() error { return e.Cause }

func newError(kind error, message string, cause error) *SearchError {
	return &SearchError{Kind: kind, Message: message, Cause: cause}
}

// Wrap 把任意错误归类为 SearchError。已归类的错误原样返回。
// 分类依赖错误文本中的关键字，随服务端错误措辞变化可能失配，
// 属于已知限制（与 HTTP 状态码分类互为兜底）。
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	var se *SearchError
	if errors.As(err, &se) {
		return err
	}
	return newError(classifyMessage(err.Error()), context, err)
}

// classifyMessage 按关键字归类错误文本。
func classifyMessage(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "index_not_found"):
		return ErrIndexNotFound
	case strings.Contains(lower, "document_missing"), strings.Contains(lower, "not_found"):
		return ErrDocumentNotFound
	case strings.Contains(lower, "version_conflict"):
		return ErrVersionConflict
	case strings.Contains(lower, "resource_already_exists"):
		return ErrResourceExists
	case strings.Contains(lower, "authentication"), strings.Contains(lower, "unauthorized"):
		return ErrAuthentication
	case strings.Contains(lower, "timeout"):
		return ErrTimeout
	case strings.Contains(lower, "connection"), strings.Contains(lower, "connect"):
		return ErrConnection
	case strings.Contains(lower, "mapping"):
		return ErrMapping
	case strings.Contains(lower, "parse"), strings.Contains(lower, "query"), strings.Contains(lower, "search"):
		return ErrQuery
	default:
		return ErrQuery
	}
}

// classifyStatus 先按 HTTP 状态码归类，再用响应体关键字细化。
func classifyStatus(status int, body string) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuthentication
	case http.StatusNotFound:
		if strings.Contains(body, "index_not_found") {
			return ErrIndexNotFound
		}
		return ErrDocumentNotFound
	case http.StatusConflict:
		if strings.Contains(body, "resource_already_exists") {
			return ErrResourceExists
		}
		return ErrVersionConflict
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ErrTimeout
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return ErrConnection
	case http.StatusBadRequest:
		return classifyMessage(body)
	default:
		return classifyMessage(body)
	}
}

// statusError 把非 2xx 响应转成已归类错误。
func statusError(status int, body, context string) *SearchError {
	msg := fmt.Sprintf("%s (status %d)", context, status)
	return newError(classifyStatus(status, body), msg, errors.New(truncate(body, 512)))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
