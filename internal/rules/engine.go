// Package rules 实现请求规则的条件树匹配与阶段内结果合并。
package rules

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"cdpwebreq/internal/logger"
	"cdpwebreq/pkg/model"
)

var (
	ErrEmptyRule     = errors.New("rule has no actions")
	ErrDuplicateRule = errors.New("duplicate rule id")
	ErrInvalidStage  = errors.New("invalid stage")
)

// Kind 规则来源
type Kind uint8

const (
	KindDeclarative Kind = iota // declarativeWebRequest.addRules 或规则文件
	KindListener                // webRequest 监听器
)

// Rule 一条已编译的规则；Stages 为空表示作用于所有阶段
type Rule struct {
	ID        model.RuleID
	Owner     string
	Kind      Kind
	Stages    []model.Stage
	Condition Condition
	Actions   []Action
}

func (r *Rule) appliesTo(s model.Stage) bool {
	if len(r.Stages) == 0 {
		return true
	}
	for _, st := range r.Stages {
		if st == s {
			return true
		}
	}
	return false
}

// Engine 规则引擎
type Engine struct {
	mu      sync.RWMutex
	rules   []*Rule
	byStage map[model.Stage]int
	seq     uint64
	log     logger.Logger

	total   atomic.Int64
	matched atomic.Int64
	statsMu sync.Mutex
	byRule  map[model.RuleID]int64
}

// New 创建规则引擎
func New(l logger.Logger) *Engine {
	if l == nil {
		l = logger.NewNop()
	}
	return &Engine{
		byStage: make(map[model.Stage]int),
		byRule:  make(map[model.RuleID]int64),
		log:     l,
	}
}

// Register 校验并注册规则，返回规则标识
func (e *Engine) Register(r *Rule) (model.RuleID, error) {
	if r == nil || len(r.Actions) == 0 {
		return "", ErrEmptyRule
	}
	for _, s := range r.Stages {
		if s.EventName() == "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidStage, s)
		}
	}
	for _, a := range r.Actions {
		if err := validateAction(a); err != nil {
			return "", err
		}
	}
	if r.Condition == nil {
		r.Condition = All()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if r.ID == "" {
		e.seq++
		r.ID = model.RuleID("rule-" + strconv.FormatUint(e.seq, 10))
	}
	for _, existing := range e.rules {
		if existing.ID == r.ID {
			return "", fmt.Errorf("%w: %s", ErrDuplicateRule, r.ID)
		}
	}
	e.rules = append(e.rules, r)
	e.indexLocked(r, 1)
	e.log.Debug("注册规则", "rule", string(r.ID), "owner", r.Owner, "actions", len(r.Actions))
	return r.ID, nil
}

// Unregister 注销指定规则
func (e *Engine) Unregister(id model.RuleID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.rules {
		if r.ID == id {
			e.removeLocked(i)
			e.log.Debug("注销规则", "rule", string(id))
			return true
		}
	}
	return false
}

// RemoveByOwner 注销某个所有者的全部规则，返回数量
func (e *Engine) RemoveByOwner(owner string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for i := len(e.rules) - 1; i >= 0; i-- {
		if e.rules[i].Owner == owner {
			e.removeLocked(i)
			n++
		}
	}
	if n > 0 {
		e.log.Debug("按所有者注销规则", "owner", owner, "count", n)
	}
	return n
}

// RemoveOwned 只注销某个所有者指定来源的规则
func (e *Engine) RemoveOwned(owner string, kind Kind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for i := len(e.rules) - 1; i >= 0; i-- {
		if r := e.rules[i]; r.Owner == owner && r.Kind == kind {
			e.removeLocked(i)
			n++
		}
	}
	return n
}

// OwnedIDs 某个所有者指定来源的规则标识
func (e *Engine) OwnedIDs(owner string, kind Kind) []model.RuleID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []model.RuleID
	for _, r := range e.rules {
		if r.Owner == owner && r.Kind == kind {
			out = append(out, r.ID)
		}
	}
	return out
}

// RuleIDs 返回某个所有者的规则标识；owner 为空时返回全部
func (e *Engine) RuleIDs(owner string) []model.RuleID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []model.RuleID
	for _, r := range e.rules {
		if owner == "" || r.Owner == owner {
			out = append(out, r.ID)
		}
	}
	return out
}

// HasRules 某阶段是否存在规则
func (e *Engine) HasRules(s model.Stage) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.byStage[s] > 0
}

func (e *Engine) removeLocked(i int) {
	r := e.rules[i]
	e.indexLocked(r, -1)
	e.rules = append(e.rules[:i:i], e.rules[i+1:]...)
}

func (e *Engine) indexLocked(r *Rule, delta int) {
	for _, s := range model.Stages {
		if r.appliesTo(s) {
			e.byStage[s] += delta
		}
	}
}

func (e *Engine) snapshot(s model.Stage) []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.byStage[s] == 0 {
		return nil
	}
	out := make([]*Rule, 0, e.byStage[s])
	for _, r := range e.rules {
		if r.appliesTo(s) {
			out = append(out, r)
		}
	}
	return out
}

// Evaluate 按注册顺序评估 d.Stage 上的规则。
// 首个 cancel 结果立即结束评估；其余字段后写者胜，后续行为可见已合并的头部。
func (e *Engine) Evaluate(ctx context.Context, d *model.Details) model.BlockingResponse {
	e.total.Add(1)
	var out model.BlockingResponse
	rs := e.snapshot(d.Stage)
	if len(rs) == 0 {
		return out
	}

	cur := *d
	hit := false
	for _, r := range rs {
		if ctx.Err() != nil {
			break
		}
		if !r.Condition.Match(&cur) {
			continue
		}
		hit = true
		e.countRule(r.ID)
		for _, a := range r.Actions {
			res, err := a.Apply(ctx, &cur)
			if err != nil {
				e.log.Err(err, "规则行为执行失败", "rule", string(r.ID), "stage", string(d.Stage), "url", d.URL)
				continue
			}
			if res.Cancel {
				e.matched.Add(1)
				return model.BlockingResponse{Cancel: true}
			}
			out.Merge(res)
			if res.RequestHeaders != nil {
				cur.RequestHeaders = out.RequestHeaders.Clone()
			}
			if res.ResponseHeaders != nil {
				cur.ResponseHeaders = out.ResponseHeaders.Clone()
			}
		}
	}
	if hit {
		e.matched.Add(1)
	}
	return out
}

func (e *Engine) countRule(id model.RuleID) {
	e.statsMu.Lock()
	e.byRule[id]++
	e.statsMu.Unlock()
}

// Stats 返回引擎统计
func (e *Engine) Stats() model.EngineStats {
	e.mu.RLock()
	n := len(e.rules)
	byStage := make(map[model.Stage]int, len(e.byStage))
	for k, v := range e.byStage {
		byStage[k] = v
	}
	e.mu.RUnlock()

	e.statsMu.Lock()
	byRule := make(map[model.RuleID]int64, len(e.byRule))
	for k, v := range e.byRule {
		byRule[k] = v
	}
	e.statsMu.Unlock()

	return model.EngineStats{
		Total:   e.total.Load(),
		Matched: e.matched.Load(),
		Rules:   n,
		ByStage: byStage,
		ByRule:  byRule,
	}
}
