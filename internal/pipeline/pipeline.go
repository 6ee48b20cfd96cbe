// ============================================================================
// Beaver-Jobs 工作分派管線 (Work Distribution Pipeline)
// ============================================================================
//
// Package: internal/pipeline
// 功能: 從輸入資料中萃取工作項目，依固定順序套用各階段
//
// 處理順序（每個階段未設定時為 no-op）:
//   1. json_path     - JSONPath 萃取（github.com/ohler55/ojg/jp）
//   2. filter        - 過濾運算式
//   3. sort_by       - 多欄位穩定排序
//   4. distinct      - 依欄位去重，保留第一次出現的項目
//   5. offset        - 略過前 N 個
//   6. limit         - 最多 N 個
//   7. field_mapping - 欄位對應
//
// Compile 在任何 agent 執行前完成；路徑或運算式錯誤屬於 fail-fast，不會重試。
// 同樣的輸入與設定永遠產生同樣的輸出。
//
// ============================================================================

package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ohler55/ojg/jp"

	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// Predefined errors
var (
	ErrInvalidPath   = errors.New("pipeline: invalid json_path")
	ErrInvalidFilter = errors.New("pipeline: invalid filter expression")
	ErrInvalidSort   = errors.New("pipeline: invalid sort specification")
	ErrInvalidInput  = errors.New("pipeline: invalid input")
	ErrDuplicateID   = errors.New("pipeline: duplicate work item id")
)

// Config 管線設定
type Config struct {
	JSONPath     string            `yaml:"json_path,omitempty" json:"json_path,omitempty"`
	Filter       string            `yaml:"filter,omitempty" json:"filter,omitempty"`
	SortBy       string            `yaml:"sort_by,omitempty" json:"sort_by,omitempty"`
	Distinct     string            `yaml:"distinct,omitempty" json:"distinct,omitempty"`
	Offset       int               `yaml:"offset,omitempty" json:"offset,omitempty"`
	Limit        int               `yaml:"limit,omitempty" json:"limit,omitempty"`
	FieldMapping map[string]string `yaml:"field_mapping,omitempty" json:"field_mapping,omitempty"`
	IDField      string            `yaml:"id_field,omitempty" json:"id_field,omitempty"`
}

// Pipeline 編譯後的管線
type Pipeline struct {
	cfg      Config
	path     jp.Expr
	filter   *Filter
	sorter   *Sorter
	distinct []pathPart
	mapping  []mappingRule
	logger   *slog.Logger
}

type mappingRule struct {
	target string
	source []pathPart
}

// Compile 驗證並編譯設定
func Compile(cfg Config, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Offset < 0 || cfg.Limit < 0 {
		return nil, fmt.Errorf("%w: offset and limit must not be negative", ErrInvalidInput)
	}

	p := &Pipeline{cfg: cfg, logger: logger}

	if cfg.JSONPath != "" {
		expr, err := jp.ParseString(cfg.JSONPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPath, cfg.JSONPath, err)
		}
		p.path = expr
	}
	if cfg.Filter != "" {
		f, err := ParseFilter(cfg.Filter)
		if err != nil {
			return nil, err
		}
		p.filter = f
	}
	if cfg.SortBy != "" {
		s, err := ParseSort(cfg.SortBy)
		if err != nil {
			return nil, err
		}
		p.sorter = s
	}
	if cfg.Distinct != "" {
		p.distinct = parsePath(cfg.Distinct)
	}

	// 依目標欄位名稱排序，讓輸出與 map 迭代順序無關
	targets := make([]string, 0, len(cfg.FieldMapping))
	for target := range cfg.FieldMapping {
		targets = append(targets, target)
	}
	sort.Strings(targets)
	for _, target := range targets {
		p.mapping = append(p.mapping, mappingRule{target: target, source: parsePath(cfg.FieldMapping[target])})
	}

	return p, nil
}

// Process 對輸入資料執行整條管線
func (p *Pipeline) Process(input interface{}) ([]interface{}, error) {
	items := p.extract(input)
	p.logger.Debug("Pipeline extracted items", "count", len(items))

	if p.filter != nil {
		kept := items[:0:0]
		for _, item := range items {
			if p.filter.Match(item) {
				kept = append(kept, item)
			}
		}
		p.logger.Debug("Pipeline filter applied",
			"filter", p.filter.String(),
			"before", len(items),
			"after", len(kept))
		items = kept
	}

	if p.sorter != nil {
		p.sorter.Sort(items)
	}

	if p.distinct != nil {
		deduped, err := p.dedupe(items)
		if err != nil {
			return nil, err
		}
		items = deduped
	}

	if p.cfg.Offset > 0 {
		if p.cfg.Offset >= len(items) {
			items = nil
		} else {
			items = items[p.cfg.Offset:]
		}
	}

	if p.cfg.Limit > 0 && len(items) > p.cfg.Limit {
		items = items[:p.cfg.Limit]
	}

	if len(p.mapping) > 0 {
		for i, item := range items {
			items[i] = p.applyMapping(item)
		}
	}

	return items, nil
}

// extract 沒有設定路徑時：陣列原樣使用，其他值包成單一項目
//
// 路徑只選到一個陣列值時（例如 $.items），使用該陣列的元素。
func (p *Pipeline) extract(input interface{}) []interface{} {
	if p.path == nil {
		if arr, ok := input.([]interface{}); ok {
			return append([]interface{}(nil), arr...)
		}
		return []interface{}{input}
	}

	selected := p.path.Get(input)
	if len(selected) == 1 {
		if arr, ok := selected[0].([]interface{}); ok && !endsWithWildcard(p.path) {
			return append([]interface{}(nil), arr...)
		}
	}
	return selected
}

func endsWithWildcard(expr jp.Expr) bool {
	if len(expr) == 0 {
		return false
	}
	switch expr[len(expr)-1].(type) {
	case jp.Wildcard, jp.Descent:
		return true
	}
	return false
}

// dedupe 以欄位值的 JSON 編碼作為鍵；欄位不存在與 null 視為同一個值
func (p *Pipeline) dedupe(items []interface{}) ([]interface{}, error) {
	seen := make(map[string]struct{}, len(items))
	out := make([]interface{}, 0, len(items))
	for _, item := range items {
		v, _ := lookup(item, p.distinct)
		key, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: distinct key: %v", ErrInvalidInput, err)
		}
		if _, dup := seen[string(key)]; dup {
			continue
		}
		seen[string(key)] = struct{}{}
		out = append(out, item)
	}
	return out, nil
}

// applyMapping 只處理物件；來源欄位不存在時不寫入
func (p *Pipeline) applyMapping(item interface{}) interface{} {
	obj, ok := item.(map[string]interface{})
	if !ok {
		return item
	}
	out := make(map[string]interface{}, len(obj)+len(p.mapping))
	for k, v := range obj {
		out[k] = v
	}
	for _, rule := range p.mapping {
		if v, exists := lookup(obj, rule.source); exists {
			out[rule.target] = v
		}
	}
	return out
}

// DecodeInput 解析 JSON 輸入
func DecodeInput(data []byte) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return v, nil
}

// ToWorkItems 把管線輸出轉成工作項目
//
// 設定 id_field 且項目有該欄位時使用欄位值作為 ID，否則使用 "item-<序號>"。
// ID 在同一個 job 內必須唯一。
func (p *Pipeline) ToWorkItems(values []interface{}, newCorrelationID func() string) ([]types.WorkItem, error) {
	idPath := parsePath(p.cfg.IDField)
	seen := make(map[types.ItemID]struct{}, len(values))
	items := make([]types.WorkItem, 0, len(values))

	for i, v := range values {
		id := types.ItemID(fmt.Sprintf("item-%d", i))
		if p.cfg.IDField != "" {
			if raw, ok := lookup(v, idPath); ok && raw != nil {
				id = types.ItemID(fmt.Sprint(raw))
			}
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		seen[id] = struct{}{}

		item := types.WorkItem{
			ID:      id,
			Payload: v,
			Status:  types.StatusPending,
		}
		if newCorrelationID != nil {
			item.CorrelationID = newCorrelationID()
		}
		items = append(items, item)
	}
	return items, nil
}
