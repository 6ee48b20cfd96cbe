package retry

// ============================================================================
// 錯誤匹配器 (Error Matcher)
// 職責：把錯誤訊息分類到可重試的類別，決定 retry_on 是否允許重試
// ============================================================================

import (
	"fmt"
	"regexp"
	"strings"
)

// Category 錯誤類別
type Category string

const (
	CategoryNetwork     Category = "network"
	CategoryTimeout     Category = "timeout"
	CategoryServerError Category = "server_error"
	CategoryRateLimit   Category = "rate_limit"
	CategoryPattern     Category = "pattern"
	CategoryUnknown     Category = "unknown"
)

// ErrorMatcher 錯誤匹配器（封閉集合）
type ErrorMatcher interface {
	isMatcher()
	Category() Category
}

// NetworkMatcher 網路錯誤
type NetworkMatcher struct{}

// TimeoutMatcher 逾時錯誤
type TimeoutMatcher struct{}

// ServerErrorMatcher 5xx 類伺服器錯誤
type ServerErrorMatcher struct{}

// RateLimitMatcher 限流錯誤
type RateLimitMatcher struct{}

// PatternMatcher 自訂正規表示式
type PatternMatcher struct {
	Regexp *regexp.Regexp
}

func (NetworkMatcher) isMatcher()     {}
func (TimeoutMatcher) isMatcher()     {}
func (ServerErrorMatcher) isMatcher() {}
func (RateLimitMatcher) isMatcher()   {}
func (PatternMatcher) isMatcher()     {}

func (NetworkMatcher) Category() Category     { return CategoryNetwork }
func (TimeoutMatcher) Category() Category     { return CategoryTimeout }
func (ServerErrorMatcher) Category() Category { return CategoryServerError }
func (RateLimitMatcher) Category() Category   { return CategoryRateLimit }
func (PatternMatcher) Category() Category     { return CategoryPattern }

var (
	networkKeywords   = []string{"network", "connection", "refused", "unreachable"}
	timeoutKeywords   = []string{"timeout", "timed out"}
	serverKeywords    = []string{"500", "502", "503", "504", "server error"}
	rateLimitKeywords = []string{"rate limit", "429", "too many requests"}
)

// builtinMatchers Classify 依序嘗試的內建匹配器
var builtinMatchers = []ErrorMatcher{
	TimeoutMatcher{},
	RateLimitMatcher{},
	ServerErrorMatcher{},
	NetworkMatcher{},
}

// Matches 判斷錯誤訊息是否符合匹配器（不分大小寫）
func Matches(m ErrorMatcher, msg string) bool {
	lower := strings.ToLower(msg)
	switch m := m.(type) {
	case NetworkMatcher:
		return containsAny(lower, networkKeywords)
	case TimeoutMatcher:
		return containsAny(lower, timeoutKeywords)
	case ServerErrorMatcher:
		return containsAny(lower, serverKeywords)
	case RateLimitMatcher:
		return containsAny(lower, rateLimitKeywords)
	case PatternMatcher:
		return m.Regexp != nil && m.Regexp.MatchString(msg)
	default:
		panic(fmt.Sprintf("retry: unhandled error matcher %T", m))
	}
}

// Classify 以內建匹配器分類錯誤訊息，無法分類時回傳 CategoryUnknown
func Classify(msg string) Category {
	for _, m := range builtinMatchers {
		if Matches(m, msg) {
			return m.Category()
		}
	}
	return CategoryUnknown
}

// MatchAny 依 retry_on 清單判斷是否可重試；清單為空代表全部可重試
func MatchAny(matchers []ErrorMatcher, msg string) bool {
	if len(matchers) == 0 {
		return true
	}
	for _, m := range matchers {
		if Matches(m, msg) {
			return true
		}
	}
	return false
}

// ParseMatcher 解析設定檔中的匹配器名稱，非內建名稱視為正規表示式
func ParseMatcher(s string) (ErrorMatcher, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "network":
		return NetworkMatcher{}, nil
	case "timeout":
		return TimeoutMatcher{}, nil
	case "server_error", "servererror":
		return ServerErrorMatcher{}, nil
	case "rate_limit", "ratelimit":
		return RateLimitMatcher{}, nil
	}
	pattern := strings.TrimPrefix(s, "pattern:")
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPolicy, s, err)
	}
	return PatternMatcher{Regexp: re}, nil
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
