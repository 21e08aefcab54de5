package cronexpr

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, spec string) *Expr {
	t.Helper()
	e, err := Parse(spec)
	require.NoError(t, err, "parse %q", spec)
	return e
}

func TestParseFieldForms(t *testing.T) {
	cases := []struct {
		spec string
		ok   bool
	}{
		{"* * * * *", true},
		{"? ? * * ?", true},
		{"0 9 1 * 1", true},
		{"*/7 * * * *", true},
		{"0-30/5 8-18 * jan-mar mon-fri", true},
		{"1,2,3 0 * * 7", true},
		{"5 4 * * sun", true},
		{"* * * *", false},      // 字段不足
		{"* * * * * *", false},  // 字段过多
		{"*/0 * * * *", false},  // 步长为零
		{"10-5 * * * *", false}, // 区间倒序
		{"abc * * * *", false},
	}
	for _, c := range cases {
		_, err := Parse(c.spec)
		if c.ok {
			assert.NoError(t, err, c.spec)
		} else {
			assert.Error(t, err, c.spec)
		}
	}
}

func TestOutOfRangeValuesClamp(t *testing.T) {
	// 越界数值收敛到字段边界而不是报错
	e := mustParse(t, "70 25 32 13 6")
	assert.Equal(t, "59 23 31 12 6", e.String())
}

func TestSevenNormalizesToSunday(t *testing.T) {
	a := mustParse(t, "0 0 * * 7")
	b := mustParse(t, "0 0 * * 0")
	assert.Equal(t, b.String(), a.String())
}

func TestQuestionMarkIsWildcard(t *testing.T) {
	e := mustParse(t, "? ? ? ? ?")
	assert.Equal(t, "* * * * *", e.String())
}

func TestNextSimpleMinuteStep(t *testing.T) {
	e := mustParse(t, "*/7 * * * *")
	// 步长作用于分钟字段并随整点复位，24 小时内触发 ceil(60/7)*24 次
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	count := 0
	cur := start.Add(-time.Minute)
	for {
		next, ok := e.Next(cur)
		require.True(t, ok)
		if !next.Before(end) {
			break
		}
		count++
		cur = next
	}
	assert.Equal(t, 216, count)
}

func TestNextDayOrSemantics(t *testing.T) {
	// 日与周均受限时任一匹配即触发
	e := mustParse(t, "0 9 1 * 1")
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) // 周三

	first, ok := e.Next(from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC), first, "day-of-month matches")

	second, ok := e.Next(first)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC), second, "next Monday")
}

func TestNextDayRestrictedOnlyOneSide(t *testing.T) {
	// 仅周受限
	e := mustParse(t, "30 8 * * 1")
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	next, ok := e.Next(from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 1, 6, 8, 30, 0, 0, time.UTC), next)

	// 仅日受限
	e = mustParse(t, "30 8 15 * *")
	next, ok = e.Next(from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 1, 15, 8, 30, 0, 0, time.UTC), next)
}

func TestNextHorizonExhausted(t *testing.T) {
	// 2 月 30 日不存在，一年内无解
	e := mustParse(t, "0 0 30 2 *")
	_, ok := e.Next(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	assert.False(t, ok)
}

func TestNextStartsAtNextMinute(t *testing.T) {
	e := mustParse(t, "* * * * *")
	from := time.Date(2025, 6, 1, 10, 20, 45, 0, time.UTC)
	next, ok := e.Next(from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 21, 0, 0, time.UTC), next)
}

func TestStringNormalization(t *testing.T) {
	cases := map[string]string{
		"* * * * *":        "* * * * *",
		"*/7 * * * *":      "*/7 * * * *",
		"0,7,14,21,28,35,42,49,56 * * * *": "*/7 * * * *",
		"1-5 * * * *":      "1-5 * * * *",
		"1,2,3,4,5 * * * *": "1-5 * * * *",
		"0 9 1 * 1":        "0 9 1 * 1",
		"0 9 * jan mon":    "0 9 * 1 1",
		"10-40/7 * * * *":  "10-38/7 * * * *",
	}
	for in, want := range cases {
		assert.Equal(t, want, mustParse(t, in).String(), in)
	}
}

// 归一化表达式的解析-序列化往返是恒等的
func TestPropertyNormalizedRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	fieldGen := func(min, max int) gopter.Gen {
		return gen.OneGenOf(
			gen.Const("*"),
			gen.IntRange(min, max).Map(func(v int) string {
				return itoa(v)
			}),
			gen.IntRange(2, 9).Map(func(step int) string {
				return "*/" + itoa(step)
			}),
			gopter.CombineGens(gen.IntRange(min, max), gen.IntRange(min, max)).
				Map(func(vs []interface{}) string {
					a, b := vs[0].(int), vs[1].(int)
					if a > b {
						a, b = b, a
					}
					if a == b {
						return itoa(a)
					}
					return itoa(a) + "-" + itoa(b)
				}),
		)
	}

	properties.Property("parse(normalize(x)) round-trips", prop.ForAll(
		func(minute, hour, dom, month, dow string) bool {
			spec := minute + " " + hour + " " + dom + " " + month + " " + dow
			first, err := Parse(spec)
			if err != nil {
				return false
			}
			normalized := first.String()
			second, err := Parse(normalized)
			if err != nil {
				return false
			}
			return second.String() == normalized
		},
		fieldGen(0, 59),
		fieldGen(0, 23),
		fieldGen(1, 31),
		fieldGen(1, 12),
		fieldGen(0, 6),
	))

	properties.TestingRun(t)
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [8]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
