// internal/utils/tokens.go
package utils

import (
	"strings"
)

// EstimateTokens 以字符数/4作为token数量的近似值。
// 连续性块的预算控制只需要一个稳定的上界估计，不需要精确分词。
func EstimateTokens(text string) int {
	return len(text) / 4
}

// StripCodeFence 去掉模型输出中包裹JSON的markdown代码栅栏
func StripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)

	if strings.HasPrefix(trimmed, "```") {
		// 去掉第一行（```json 或 ```）
		if idx := strings.Index(trimmed, "\n"); idx >= 0 {
			trimmed = trimmed[idx+1:]
		}
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
	}

	return strings.TrimSpace(trimmed)
}

// ExtractJSONObject 从自由文本中提取第一个完整的JSON对象。
// 模型偶尔会在JSON前后加解释文字，这里按大括号配对截取。
func ExtractJSONObject(text string) string {
	cleaned := StripCodeFence(text)

	start := strings.Index(cleaned, "{")
	if start < 0 {
		return cleaned
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(cleaned); i++ {
		c := cleaned[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return cleaned[start : i+1]
				}
			}
		}
	}

	return cleaned[start:]
}

// ExcerptTail 返回文本结尾处不超过maxChars的片段，按段落边界截断
func ExcerptTail(text string, maxChars int) string {
	if len(text) <= maxChars {
		return text
	}

	tail := text[len(text)-maxChars:]
	// 对齐到下一个段落边界，避免从句子中间开始
	if idx := strings.Index(tail, "\n\n"); idx >= 0 && idx+2 < len(tail) {
		tail = tail[idx+2:]
	}
	return tail
}
