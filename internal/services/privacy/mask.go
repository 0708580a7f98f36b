// Package privacy 提供展示层脱敏：日志、审计明细等对外材料里不应出现的凭据。
// 原始值仍保存在数据库中，只在输出时处理。
package privacy

import (
	"net/url"
	"regexp"
	"strings"
)

const masked = "<masked>"

var reURLScheme = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)

// sensitiveKeys 是 query 中需要隐藏取值的参数名（小写）。
var sensitiveKeys = map[string]bool{
	"token":        true,
	"access_token": true,
	"secret":       true,
	"sig":          true,
	"signature":    true,
	"key":          true,
	"api_key":      true,
	"apikey":       true,
	"password":     true,
}

// MaskURL 去掉 URL 中的 userinfo、query 与 fragment，保留 scheme、host 与 path。
// 输入不是合法 URL 时，返回 "<masked_url>"。
func MaskURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	// 对于不带 scheme 的，补一个 https:// 便于 url.Parse。
	if !reURLScheme.MatchString(raw) {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "<masked_url>"
	}
	out := url.URL{Scheme: u.Scheme, Host: u.Host, Path: u.Path}
	if u.RawQuery != "" {
		return out.String() + "?" + masked
	}
	return out.String()
}

// MaskQuery 隐藏 query 中敏感参数的取值，其余参数原样保留（按参数名排序）。
func MaskQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return masked
	}
	for k, vs := range q {
		if !sensitiveKeys[strings.ToLower(k)] {
			continue
		}
		for i := range vs {
			vs[i] = masked
		}
	}
	return q.Encode()
}

// MaskSecret 只保留前 4 个字符，用于在日志里区分不同凭据。
func MaskSecret(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return masked
	}
	return s[:4] + "..."
}
