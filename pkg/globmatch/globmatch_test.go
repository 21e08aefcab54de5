package globmatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchSingleSegment(t *testing.T) {
	assert.True(t, Match("*.txt", "a.txt"))
	assert.True(t, Match("a?.txt", "ab.txt"))
	assert.False(t, Match("a?.txt", "a.txt"))
	assert.False(t, Match("*.txt", "dir/a.txt"), "* 不跨路径段")
	assert.True(t, Match("a*b*c", "axxbyyc"))
	assert.False(t, Match("a*b", "acd"))
}

func TestMatchCaseSensitive(t *testing.T) {
	assert.False(t, Match("*.TXT", "a.txt"))
	assert.True(t, Match("*.TXT", "a.TXT"))
}

func TestMatchDoubleStar(t *testing.T) {
	assert.True(t, Match("**/*.txt", "a.txt"), "** 匹配零段")
	assert.True(t, Match("**/*.txt", "x/y/a.txt"))
	assert.True(t, Match("docs/**", "docs/a/b/c.md"))
	assert.True(t, Match("docs/**/draft.md", "docs/draft.md"))
	assert.True(t, Match("docs/**/draft.md", "docs/2024/q1/draft.md"))
	assert.False(t, Match("docs/**/draft.md", "notes/draft.md"))
	assert.True(t, Match("**", "anything/at/all"))
}

func TestPassIncludeExclude(t *testing.T) {
	includes := []string{"**/*.md"}
	excludes := []string{"drafts/**"}

	assert.True(t, Pass(includes, excludes, "notes/a.md"))
	assert.False(t, Pass(includes, excludes, "notes/a.txt"), "未命中 include")
	assert.False(t, Pass(includes, excludes, "drafts/a.md"), "命中 exclude")

	// include 为空视为全部通过
	assert.True(t, Pass(nil, excludes, "notes/a.txt"))
	assert.False(t, Pass(nil, excludes, "drafts/x"))
}
