// Package globmatch 实现同步过滤用的路径通配匹配
// 支持 ** 跨层级匹配，* 与 ? 只在单个路径段内匹配，区分大小写，分隔符固定为 /
package globmatch

import "strings"

// Match 判断 path 是否匹配 pattern
// pattern 与 path 均以 / 分段，** 匹配零个或多个路径段
func Match(pattern, path string) bool {
	return matchSegments(splitPath(pattern), splitPath(path))
}

// MatchAny 判断 path 是否匹配任意一个 pattern
func MatchAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if Match(p, path) {
			return true
		}
	}
	return false
}

// Pass 按包含/排除规则过滤
// includes 为空或命中任意 include，且未命中任何 exclude 时通过
func Pass(includes, excludes []string, path string) bool {
	if len(includes) > 0 && !MatchAny(includes, path) {
		return false
	}
	return !MatchAny(excludes, path)
}

func splitPath(s string) []string {
	s = strings.Trim(s, "/")
	if s == "" {
		return nil
	}
	return strings.Split(s, "/")
}

func matchSegments(pattern, path []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}
	if pattern[0] == "**" {
		// ** 匹配零段或吞掉一段后继续
		if matchSegments(pattern[1:], path) {
			return true
		}
		if len(path) > 0 {
			return matchSegments(pattern, path[1:])
		}
		return false
	}
	if len(path) == 0 {
		return false
	}
	if !matchSegment(pattern[0], path[0]) {
		return false
	}
	return matchSegments(pattern[1:], path[1:])
}

// matchSegment 单段匹配，* 匹配任意串，? 匹配单个字符
func matchSegment(pattern, name string) bool {
	p, n := 0, 0
	starP, starN := -1, 0
	for n < len(name) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == name[n]):
			p++
			n++
		case p < len(pattern) && pattern[p] == '*':
			starP, starN = p, n
			p++
		case starP >= 0:
			// 回溯，让上一个 * 多吞一个字符
			starN++
			p, n = starP+1, starN
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
