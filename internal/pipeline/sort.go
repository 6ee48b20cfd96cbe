package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

// NullPosition null 值在排序結果中的位置
type NullPosition int

const (
	NullsLast NullPosition = iota
	NullsFirst
)

// SortField 單一排序欄位
type SortField struct {
	Path       string
	Descending bool
	Nulls      NullPosition
	parts      []pathPart
}

// Sorter 多欄位排序
type Sorter struct {
	Fields []SortField
}

// ParseSort 解析排序規格，例如 "priority DESC, created_at ASC NULLS FIRST"
//
// 預設 ASC、NULLS LAST；null 的位置不受排序方向影響。
func ParseSort(spec string) (*Sorter, error) {
	var fields []SortField
	for _, raw := range strings.Split(spec, ",") {
		words := strings.Fields(raw)
		if len(words) == 0 {
			continue
		}
		f := SortField{Path: words[0], parts: parsePath(words[0])}
		i := 1
		if i < len(words) {
			switch strings.ToUpper(words[i]) {
			case "DESC", "DESCENDING":
				f.Descending = true
				i++
			case "ASC", "ASCENDING":
				i++
			}
		}
		if i < len(words) && strings.EqualFold(words[i], "NULLS") {
			i++
			if i >= len(words) {
				return nil, fmt.Errorf("%w: %q: NULLS requires FIRST or LAST", ErrInvalidSort, spec)
			}
			switch strings.ToUpper(words[i]) {
			case "FIRST":
				f.Nulls = NullsFirst
			case "LAST":
				f.Nulls = NullsLast
			default:
				return nil, fmt.Errorf("%w: %q: invalid null position %q", ErrInvalidSort, spec, words[i])
			}
			i++
		}
		if i < len(words) {
			return nil, fmt.Errorf("%w: %q: unexpected %q", ErrInvalidSort, spec, words[i])
		}
		fields = append(fields, f)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no sort fields in %q", ErrInvalidSort, spec)
	}
	return &Sorter{Fields: fields}, nil
}

// Sort 穩定排序，相等的項目保持原本順序
func (s *Sorter) Sort(items []interface{}) {
	sort.SliceStable(items, func(i, j int) bool {
		return s.compare(items[i], items[j]) < 0
	})
}

func (s *Sorter) compare(a, b interface{}) int {
	for _, f := range s.Fields {
		av, aok := lookup(a, f.parts)
		bv, bok := lookup(b, f.parts)
		aNull := !aok || av == nil
		bNull := !bok || bv == nil

		var c int
		switch {
		case aNull && bNull:
			c = 0
		case aNull || bNull:
			// null 位置與排序方向無關
			c = 1
			if aNull == (f.Nulls == NullsFirst) {
				c = -1
			}
		default:
			c = compareValues(av, bv)
			if f.Descending {
				c = -c
			}
		}
		if c != 0 {
			return c
		}
	}
	return 0
}
