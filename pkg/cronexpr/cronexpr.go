// Package cronexpr 实现五字段 cron 表达式的解析与下次触发时间计算
// 字段依次为 分 时 日 月 周，支持 * ? , - /，月与周支持英文别名
// 越界数值收敛到字段边界，周日可写 0 或 7（统一归一化为 0）
package cronexpr

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// 各字段取值边界
const (
	minuteMin, minuteMax = 0, 59
	hourMin, hourMax     = 0, 23
	domMin, domMax       = 1, 31
	monthMin, monthMax   = 1, 12
	dowMin, dowMax       = 0, 6
)

// searchHorizon 下次触发时间的搜索上限
const searchHorizon = 366 * 24 * time.Hour

var monthAliases = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
}

var dowAliases = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

// field 单个字段的取值集合
type field struct {
	min, max int
	set      uint64
	star     bool
	aliases  map[string]int
	// sevenIsZero 周字段专用，7 归一化为 0
	sevenIsZero bool
}

// Expr 已解析的 cron 表达式
type Expr struct {
	minute field
	hour   field
	dom    field
	month  field
	dow    field
}

// Parse 解析五字段 cron 表达式
func Parse(spec string) (*Expr, error) {
	parts := strings.Fields(strings.TrimSpace(spec))
	if len(parts) != 5 {
		return nil, fmt.Errorf("cron expression must have 5 fields, got %d", len(parts))
	}

	e := &Expr{
		minute: field{min: minuteMin, max: minuteMax},
		hour:   field{min: hourMin, max: hourMax},
		dom:    field{min: domMin, max: domMax},
		month:  field{min: monthMin, max: monthMax, aliases: monthAliases},
		dow:    field{min: dowMin, max: dowMax, aliases: dowAliases, sevenIsZero: true},
	}

	fields := []*field{&e.minute, &e.hour, &e.dom, &e.month, &e.dow}
	names := []string{"minute", "hour", "day-of-month", "month", "day-of-week"}
	for i, f := range fields {
		if err := f.parse(parts[i]); err != nil {
			return nil, fmt.Errorf("%s field %q: %w", names[i], parts[i], err)
		}
	}
	return e, nil
}

// parse 解析单个字段，逗号分隔的每段可为 * ? a a-b */s a-b/s a/s
func (f *field) parse(text string) error {
	if text == "*" || text == "?" {
		f.star = true
		f.set = f.fullSet()
		return nil
	}
	for _, part := range strings.Split(text, ",") {
		if part == "" {
			return fmt.Errorf("empty list element")
		}
		if err := f.parsePart(part); err != nil {
			return err
		}
	}
	if f.set == f.fullSet() {
		// 等价于 * 的显式写法，归一化处理
		f.star = true
	}
	return nil
}

func (f *field) parsePart(part string) error {
	step := 1
	rangeText := part
	if idx := strings.Index(part, "/"); idx >= 0 {
		rangeText = part[:idx]
		stepText := part[idx+1:]
		v, err := strconv.Atoi(stepText)
		if err != nil {
			return fmt.Errorf("invalid step %q", stepText)
		}
		if v <= 0 {
			return fmt.Errorf("step must be positive, got %d", v)
		}
		step = v
	}

	var lo, hi int
	switch {
	case rangeText == "*" || rangeText == "?":
		lo, hi = f.min, f.max
	case strings.Contains(rangeText, "-"):
		segs := strings.SplitN(rangeText, "-", 2)
		a, err := f.value(segs[0])
		if err != nil {
			return err
		}
		b, err := f.value(segs[1])
		if err != nil {
			return err
		}
		if a > b {
			return fmt.Errorf("range %d-%d is not ascending", a, b)
		}
		lo, hi = a, b
	default:
		v, err := f.value(rangeText)
		if err != nil {
			return err
		}
		if step > 1 {
			// a/s 视为 a-max/s
			lo, hi = v, f.max
		} else {
			lo, hi = v, v
		}
	}

	for v := lo; v <= hi; v += step {
		f.set |= 1 << uint(v)
	}
	return nil
}

// value 解析单个数值或别名，越界收敛到边界
func (f *field) value(text string) (int, error) {
	if f.aliases != nil {
		if v, ok := f.aliases[strings.ToLower(text)]; ok {
			return v, nil
		}
	}
	v, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", text)
	}
	if f.sevenIsZero && v == 7 {
		return 0, nil
	}
	if v < f.min {
		v = f.min
	}
	if v > f.max {
		v = f.max
	}
	return v, nil
}

func (f *field) fullSet() uint64 {
	var s uint64
	for v := f.min; v <= f.max; v++ {
		s |= 1 << uint(v)
	}
	return s
}

func (f *field) match(v int) bool {
	return f.set&(1<<uint(v)) != 0
}

func (f *field) values() []int {
	var vs []int
	for v := f.min; v <= f.max; v++ {
		if f.match(v) {
			vs = append(vs, v)
		}
	}
	return vs
}

// dayMatches 日字段匹配
// 日与周均为 * 时任意日期匹配；仅一个受限时只看受限方；两者均受限时任一匹配即可
func (e *Expr) dayMatches(t time.Time) bool {
	domOK := e.dom.match(t.Day())
	dowOK := e.dow.match(int(t.Weekday()))
	switch {
	case e.dom.star && e.dow.star:
		return true
	case e.dom.star:
		return dowOK
	case e.dow.star:
		return domOK
	default:
		return domOK || dowOK
	}
}

// Next 计算 after 之后的首个触发时间
// 从 after 截断到分钟再加一分钟开始推进，超过一年无解时 ok 为 false
func (e *Expr) Next(after time.Time) (next time.Time, ok bool) {
	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := t.Add(searchHorizon)

	for t.Before(limit) {
		if !e.month.match(int(t.Month())) {
			// 跳到下月首日零点
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
			continue
		}
		if !e.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
			continue
		}
		if !e.hour.match(t.Hour()) {
			t = t.Truncate(time.Hour).Add(time.Hour)
			continue
		}
		if !e.minute.match(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t, true
	}
	return time.Time{}, false
}

// String 输出归一化的规范形式
// 保证 Parse(e.String()) 与 e 等价，且再次 String 输出相同文本
func (e *Expr) String() string {
	return strings.Join([]string{
		e.minute.canonical(),
		e.hour.canonical(),
		e.dom.canonical(),
		e.month.canonical(),
		e.dow.canonical(),
	}, " ")
}

// canonical 生成字段的规范文本
// 全集为 *；等差数列折叠为 */s 或 a-b/s；连续区间为 a-b；其余为逗号列表
func (f *field) canonical() string {
	if f.star {
		return "*"
	}
	vs := f.values()
	if len(vs) == 1 {
		return strconv.Itoa(vs[0])
	}

	sort.Ints(vs)
	step := vs[1] - vs[0]
	uniform := step > 0
	for i := 2; i < len(vs); i++ {
		if vs[i]-vs[i-1] != step {
			uniform = false
			break
		}
	}
	if uniform {
		first, last := vs[0], vs[len(vs)-1]
		if step == 1 {
			return fmt.Sprintf("%d-%d", first, last)
		}
		if first == f.min && last+step > f.max {
			return fmt.Sprintf("*/%d", step)
		}
		return fmt.Sprintf("%d-%d/%d", first, last, step)
	}

	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}
