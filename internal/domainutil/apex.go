package domainutil

import (
	"fmt"
	"net"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

// Normalize 对域名进行规范化处理
// 规则：
//   - trim 空格、小写、去掉末尾 .
//   - 国际化域名转换为 ASCII（punycode）
//   - 拒绝 IP（IPv4/IPv6）
//   - 通配符只允许出现在最左侧（*.example.com）
//   - 拒绝空字符串/非法字符
func Normalize(host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", fmt.Errorf("domain must not be empty")
	}

	host = strings.TrimSuffix(strings.ToLower(host), ".")

	// 拒绝 IPv4 / IPv6
	if net.ParseIP(strings.Trim(host, "[]")) != nil {
		return "", fmt.Errorf("IP address is not allowed as domain: %s", host)
	}

	// 通配符前缀单独处理，idna 不接受 *
	wildcard := false
	if strings.HasPrefix(host, "*.") {
		wildcard = true
		host = host[2:]
	}
	if strings.Contains(host, "*") {
		return "", fmt.Errorf("wildcard is only allowed as the leftmost label: %s", host)
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("invalid domain %s: %w", host, err)
	}
	host = ascii

	// 校验域名合法性：只允许 a-z 0-9 . -
	for i := 0; i < len(host); {
		r, size := utf8.DecodeRuneInString(host[i:])
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' || r == '-') {
			return "", fmt.Errorf("domain contains invalid character: %c in %s", r, host)
		}
		i += size
	}

	if strings.HasPrefix(host, ".") || strings.HasPrefix(host, "-") {
		return "", fmt.Errorf("domain must not start with '.' or '-': %s", host)
	}

	// 域名必须包含至少一个 .
	if !strings.Contains(host, ".") {
		return "", fmt.Errorf("domain must contain at least one dot: %s", host)
	}

	if wildcard {
		return "*." + host, nil
	}
	return host, nil
}

// EffectiveApex 使用 PSL 计算 eTLD+1
// 例如：
//   - www.example.com -> example.com
//   - a.b.example.co.uk -> example.co.uk
//   - *.example.com -> example.com
func EffectiveApex(domain string) (string, error) {
	normalized, err := Normalize(domain)
	if err != nil {
		return "", fmt.Errorf("normalize failed for %s: %w", domain, err)
	}
	normalized = strings.TrimPrefix(normalized, "*.")

	apex, err := publicsuffix.EffectiveTLDPlusOne(normalized)
	if err != nil {
		return "", fmt.Errorf("PSL lookup failed for %s: %w", domain, err)
	}

	return apex, nil
}

// NormalizeDNSNames 校验并规范化证书的域名列表
// 对每个域名：
//  1. Normalize
//  2. 用 PSL 算 apex（公共后缀本身不能签发证书）
//  3. 去重，保持原有顺序
//
// 任一域名不通过则返回错误
func NormalizeDNSNames(names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("dns names must not be empty")
	}

	seen := make(map[string]struct{}, len(names))
	result := make([]string, 0, len(names))

	for _, name := range names {
		normalized, err := Normalize(name)
		if err != nil {
			return nil, fmt.Errorf("domain not allowed: %s, %s", name, err.Error())
		}

		if _, err := EffectiveApex(normalized); err != nil {
			return nil, fmt.Errorf("domain not allowed: %s, %s", name, err.Error())
		}

		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		result = append(result, normalized)
	}

	return result, nil
}
