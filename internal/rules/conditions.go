package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"cdpwebreq/pkg/model"

	"github.com/tidwall/match"
)

var (
	ErrInvalidGlob      = errors.New("invalid url glob")
	ErrInvalidCondition = errors.New("invalid condition")
)

// Condition 规则条件树节点
type Condition interface {
	Match(d *model.Details) bool
}

type groupOp int

const (
	opAll groupOp = iota
	opAny
	opNone
)

// Group 条件组
type Group struct {
	op       groupOp
	Children []Condition
}

// All 全部满足；空组恒为真
func All(children ...Condition) *Group { return &Group{op: opAll, Children: children} }

// Any 任一满足；空组恒为假
func Any(children ...Condition) *Group { return &Group{op: opAny, Children: children} }

// None 全部不满足
func None(children ...Condition) *Group { return &Group{op: opNone, Children: children} }

func (g *Group) Match(d *model.Details) bool {
	switch g.op {
	case opAny:
		for _, c := range g.Children {
			if c.Match(d) {
				return true
			}
		}
		return false
	case opNone:
		for _, c := range g.Children {
			if c.Match(d) {
				return false
			}
		}
		return true
	default:
		for _, c := range g.Children {
			if !c.Match(d) {
				return false
			}
		}
		return true
	}
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `?`, `\?`)

var schemeRe = regexp.MustCompile(`^(\*|[a-z][a-z0-9+.\-]*)$`)

// URLGlob Chrome 风格的 URL 通配：<all_urls>、*://*.host/* 等；*.host 同时匹配裸域名
type URLGlob struct {
	Pattern  string
	all      bool
	variants []string
}

// NewURLGlob 校验并创建 URL 通配条件
func NewURLGlob(pattern string) (*URLGlob, error) {
	if pattern == "" || strings.ContainsAny(pattern, " \t\r\n") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidGlob, pattern)
	}
	g := &URLGlob{Pattern: pattern}
	if pattern == "<all_urls>" {
		g.all = true
		return g, nil
	}
	if i := strings.Index(pattern, "://"); i >= 0 {
		if !schemeRe.MatchString(pattern[:i]) {
			return nil, fmt.Errorf("%w: bad scheme in %q", ErrInvalidGlob, pattern)
		}
		if pattern[i+3:] == "" {
			return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidGlob, pattern)
		}
	}
	// Chrome 模式中只有 * 是通配符，? 按字面匹配
	escaped := globEscaper.Replace(pattern)
	g.variants = []string{escaped}
	if i := strings.Index(escaped, "://*."); i >= 0 {
		g.variants = append(g.variants, escaped[:i+3]+escaped[i+5:])
	}
	return g, nil
}

func (g *URLGlob) Match(d *model.Details) bool {
	if g.all {
		return true
	}
	for _, p := range g.variants {
		if match.Match(d.URL, p) {
			return true
		}
	}
	return false
}

// URLMatch 按模式匹配 URL：prefix / exact / regex / glob
type URLMatch struct {
	Mode    string
	Pattern string
	re      *regexp.Regexp
}

// NewURLMatch 创建 URL 模式条件
func NewURLMatch(mode, pattern string) (*URLMatch, error) {
	m := &URLMatch{Mode: mode, Pattern: pattern}
	switch mode {
	case "prefix", "exact", "glob", "suffix", "contains":
	case "regex":
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCondition, err)
		}
		m.re = re
	default:
		return nil, fmt.Errorf("%w: unknown url mode %q", ErrInvalidCondition, mode)
	}
	return m, nil
}

func (m *URLMatch) Match(d *model.Details) bool {
	switch m.Mode {
	case "prefix":
		return strings.HasPrefix(d.URL, m.Pattern)
	case "suffix":
		return strings.HasSuffix(d.URL, m.Pattern)
	case "contains":
		return strings.Contains(d.URL, m.Pattern)
	case "exact":
		return d.URL == m.Pattern
	case "regex":
		return m.re.MatchString(d.URL)
	default:
		return match.Match(d.URL, m.Pattern)
	}
}

var detailPaths = map[string]bool{
	"stage": true, "type": true, "method": true, "url": true,
	"tabId": true, "frameId": true, "parentFrameId": true, "requestId": true,
}

// DetailPath 请求详情字段等于任一取值
type DetailPath struct {
	Path   string
	Values []string
}

// NewDetailPath 创建字段匹配条件
func NewDetailPath(path string, values ...string) (*DetailPath, error) {
	if !detailPaths[path] {
		return nil, fmt.Errorf("%w: unknown detail path %q", ErrInvalidCondition, path)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: detail path %q without values", ErrInvalidCondition, path)
	}
	return &DetailPath{Path: path, Values: values}, nil
}

func (p *DetailPath) Match(d *model.Details) bool {
	v, ok := d.Field(p.Path)
	if !ok {
		return false
	}
	for _, want := range p.Values {
		if v == want || (p.Path == "method" && strings.EqualFold(v, want)) {
			return true
		}
	}
	return false
}

// StageIs 阶段匹配
type StageIs model.Stage

func (s StageIs) Match(d *model.Details) bool { return d.Stage == model.Stage(s) }

// HeaderMatch 请求或响应头匹配
type HeaderMatch struct {
	Name     string
	Op       string // equals / contains / regex / exists
	Value    string
	Response bool
	re       *regexp.Regexp
}

// NewHeaderMatch 创建头部条件
func NewHeaderMatch(name, op, value string, response bool) (*HeaderMatch, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: header name required", ErrInvalidCondition)
	}
	h := &HeaderMatch{Name: strings.ToLower(name), Op: op, Value: value, Response: response}
	switch op {
	case "", "exists", "equals", "contains":
	case "regex":
		re, err := regexp.Compile(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCondition, err)
		}
		h.re = re
	default:
		return nil, fmt.Errorf("%w: unknown header op %q", ErrInvalidCondition, op)
	}
	return h, nil
}

func (h *HeaderMatch) Match(d *model.Details) bool {
	src := d.RequestHeaders
	if h.Response {
		src = d.ResponseHeaders
	}
	if !src.Has(h.Name) {
		return false
	}
	v := src.Get(h.Name)
	switch h.Op {
	case "equals":
		return v == h.Value
	case "contains":
		return strings.Contains(v, h.Value)
	case "regex":
		return h.re.MatchString(v)
	default:
		return true
	}
}
