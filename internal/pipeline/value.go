package pipeline

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
)

// pathPart 欄位路徑的一段：物件欄位或陣列索引
type pathPart struct {
	field string
	index int
	isIdx bool
}

// parsePath 解析 "a.b[0].c" 形式的欄位路徑
func parsePath(path string) []pathPart {
	var parts []pathPart
	i := 0
	for i < len(path) {
		switch path[i] {
		case '.':
			i++
		case '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				// 沒有右括號，剩下的全部當成欄位名稱
				parts = append(parts, pathPart{field: path[i:]})
				return parts
			}
			n, err := strconv.Atoi(path[i+1 : i+end])
			if err != nil || n < 0 {
				parts = append(parts, pathPart{field: path[i : i+end+1]})
			} else {
				parts = append(parts, pathPart{index: n, isIdx: true})
			}
			i += end + 1
		default:
			j := i
			for j < len(path) && path[j] != '.' && path[j] != '[' {
				j++
			}
			parts = append(parts, pathPart{field: path[i:j]})
			i = j
		}
	}
	return parts
}

// lookup 依路徑取值；第二個回傳值表示欄位是否存在（存在但為 null 時為 true）
func lookup(item interface{}, parts []pathPart) (interface{}, bool) {
	current := item
	for _, p := range parts {
		if p.isIdx {
			arr, ok := current.([]interface{})
			if !ok || p.index >= len(arr) {
				return nil, false
			}
			current = arr[p.index]
			continue
		}
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, exists := obj[p.field]
		if !exists {
			return nil, false
		}
		current = v
	}
	return current, true
}

// Lookup 依 "a.b[0]" 形式的路徑取值
func Lookup(item interface{}, path string) (interface{}, bool) {
	return lookup(item, parsePath(path))
}

// toFloat 把各種數值型別轉成 float64
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func isNumber(v interface{}) bool {
	_, ok := toFloat(v)
	return ok
}

// valuesEqual JSON 語意的相等比較：數字依數值比較，其餘深度比較
func valuesEqual(a, b interface{}) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

// typeRank 不同型別之間的排序：null < bool < number < string < array < object
func typeRank(v interface{}) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case string:
		return 3
	case []interface{}:
		return 4
	case map[string]interface{}:
		return 5
	}
	if isNumber(v) {
		return 2
	}
	return 6
}

// compareValues 兩個非 null 值的排序比較，回傳 -1 / 0 / 1
func compareValues(a, b interface{}) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return cmpInt(ra, rb)
	}
	switch av := a.(type) {
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case string:
		return strings.Compare(av, b.(string))
	case []interface{}:
		return cmpInt(len(av), len(b.([]interface{})))
	case map[string]interface{}:
		return cmpInt(len(av), len(b.(map[string]interface{})))
	}
	af, _ := toFloat(a)
	bf, _ := toFloat(b)
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
