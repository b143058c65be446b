package rules

import (
	"fmt"
	"net/http"
	"strings"

	"cdpwebreq/pkg/model"
	"cdpwebreq/pkg/traffic"

	"github.com/tidwall/gjson"
)

// 声明式行为与匹配器的 instanceType
const (
	TypeRequestMatcher        = "declarativeWebRequest.RequestMatcher"
	TypeCancelRequest         = "declarativeWebRequest.CancelRequest"
	TypeRedirectRequest       = "declarativeWebRequest.RedirectRequest"
	TypeRedirectToEmpty       = "declarativeWebRequest.RedirectToEmptyDocument"
	TypeRedirectToTransparent = "declarativeWebRequest.RedirectToTransparentImage"
	TypeSetRequestHeader      = "declarativeWebRequest.SetRequestHeader"
	TypeRemoveRequestHeader   = "declarativeWebRequest.RemoveRequestHeader"
	TypeAddResponseHeader     = "declarativeWebRequest.AddResponseHeader"
	TypeRemoveResponseHeader  = "declarativeWebRequest.RemoveResponseHeader"
	TypeRespond               = "webreq.Respond"
)

// 1x1 透明 GIF
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

type actionFactory func(v gjson.Result) (Action, error)

var actionFactories = map[string]actionFactory{
	TypeCancelRequest: func(gjson.Result) (Action, error) { return Cancel{}, nil },
	TypeRedirectRequest: func(v gjson.Result) (Action, error) {
		u := v.Get("redirectUrl")
		if u.Type != gjson.String || u.String() == "" {
			return nil, fmt.Errorf("%w: redirectUrl required", ErrInvalidAction)
		}
		return Redirect{URL: u.String()}, nil
	},
	TypeRedirectToEmpty: func(gjson.Result) (Action, error) { return RedirectToEmpty{}, nil },
	TypeRedirectToTransparent: func(gjson.Result) (Action, error) {
		return Respond{StatusCode: http.StatusOK, MIMEType: "image/gif", Body: transparentGIF}, nil
	},
	TypeSetRequestHeader:     headerFactory(false, false),
	TypeRemoveRequestHeader:  headerFactory(true, false),
	TypeAddResponseHeader:    headerFactory(false, true),
	TypeRemoveResponseHeader: headerFactory(true, true),
	TypeRespond: func(v gjson.Result) (Action, error) {
		r := Respond{
			StatusCode: int(v.Get("statusCode").Int()),
			MIMEType:   v.Get("mimeType").String(),
			Body:       []byte(v.Get("body").String()),
		}
		if h := v.Get("headers"); h.IsObject() {
			r.Headers = traffic.Header{}
			h.ForEach(func(k, val gjson.Result) bool {
				r.Headers.Set(k.String(), val.String())
				return true
			})
		}
		if r.StatusCode != 0 && (r.StatusCode < 100 || r.StatusCode > 599) {
			return nil, fmt.Errorf("%w: statusCode %d", ErrInvalidAction, r.StatusCode)
		}
		return r, nil
	},
}

func headerFactory(remove, response bool) actionFactory {
	return func(v gjson.Result) (Action, error) {
		name := v.Get("name").String()
		if name == "" {
			return nil, fmt.Errorf("%w: header name required", ErrInvalidAction)
		}
		return HeaderEdit{Name: name, Value: v.Get("value").String(), Remove: remove, Response: response}, nil
	}
}

// CompileAction 由声明式描述构建行为
func CompileAction(v gjson.Result) (Action, error) {
	typ := v.Get("instanceType").String()
	f, ok := actionFactories[typ]
	if !ok {
		return nil, fmt.Errorf("%w: unknown instanceType %q", ErrInvalidAction, typ)
	}
	return f(v)
}

// Compile 解析 JSON 规则（单个对象或数组），任何一条非法则整体失败
func Compile(raw []byte, owner string) ([]*Rule, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid json", ErrInvalidCondition)
	}
	root := gjson.ParseBytes(raw)
	items := []gjson.Result{root}
	if root.IsArray() {
		items = root.Array()
	}
	out := make([]*Rule, 0, len(items))
	for i, item := range items {
		r, err := CompileRule(item, owner)
		if err != nil {
			return nil, fmt.Errorf("rule #%d: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// CompileRule 解析单条规则。
// 支持两种形式：含 conditions 的声明式形式（多个匹配器取或），以及含 when 的条件树形式。
func CompileRule(v gjson.Result, owner string) (*Rule, error) {
	if !v.IsObject() {
		return nil, fmt.Errorf("%w: rule must be object", ErrInvalidCondition)
	}
	r := &Rule{ID: model.RuleID(v.Get("id").String()), Owner: owner}

	stages, err := parseStages(v.Get("stages"))
	if err != nil {
		return nil, err
	}
	r.Stages = stages

	switch {
	case v.Get("conditions").Exists():
		cond, stages, err := compileMatchers(v.Get("conditions"))
		if err != nil {
			return nil, err
		}
		r.Condition = cond
		if len(r.Stages) == 0 {
			r.Stages = stages
		}
	case v.Get("when").Exists():
		cond, err := CompileCondition(v.Get("when"))
		if err != nil {
			return nil, err
		}
		r.Condition = cond
	}

	acts := v.Get("actions")
	if !acts.IsArray() || len(acts.Array()) == 0 {
		return nil, ErrEmptyRule
	}
	for _, a := range acts.Array() {
		act, err := CompileAction(a)
		if err != nil {
			return nil, err
		}
		r.Actions = append(r.Actions, act)
	}
	return r, nil
}

// parseStages 接受 beforeRequest 或 onBeforeRequest 两种写法
func parseStages(v gjson.Result) ([]model.Stage, error) {
	if !v.Exists() {
		return nil, nil
	}
	if !v.IsArray() {
		return nil, fmt.Errorf("%w: stages must be array", ErrInvalidStage)
	}
	var out []model.Stage
	for _, s := range v.Array() {
		st, ok := parseStage(s.String())
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStage, s.String())
		}
		out = append(out, st)
	}
	return out, nil
}

func parseStage(s string) (model.Stage, bool) {
	if strings.HasPrefix(s, "on") && len(s) > 2 {
		s = strings.ToLower(s[2:3]) + s[3:]
	}
	for _, st := range model.Stages {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

func compileMatchers(v gjson.Result) (Condition, []model.Stage, error) {
	if !v.IsArray() || len(v.Array()) == 0 {
		return nil, nil, fmt.Errorf("%w: conditions must be a non-empty array", ErrInvalidCondition)
	}
	var (
		alts      []Condition
		stages    []model.Stage
		allStages bool
		seen      = map[model.Stage]bool{}
	)
	for _, m := range v.Array() {
		if t := m.Get("instanceType").String(); t != TypeRequestMatcher {
			return nil, nil, fmt.Errorf("%w: unknown matcher %q", ErrInvalidCondition, t)
		}
		var parts []Condition
		if u := m.Get("url"); u.Exists() {
			f, err := CompileURLFilter(u)
			if err != nil {
				return nil, nil, err
			}
			parts = append(parts, f)
		}
		if rt := m.Get("resourceType"); rt.Exists() {
			var names []string
			for _, n := range rt.Array() {
				if _, ok := model.ParseResourceType(n.String()); !ok {
					return nil, nil, fmt.Errorf("%w: unknown resourceType %q", ErrInvalidCondition, n.String())
				}
				names = append(names, n.String())
			}
			dp, err := NewDetailPath("type", names...)
			if err != nil {
				return nil, nil, err
			}
			parts = append(parts, dp)
		}
		ms, err := parseStages(m.Get("stages"))
		if err != nil {
			return nil, nil, err
		}
		if len(ms) == 0 {
			allStages = true
		} else {
			var sc []Condition
			for _, s := range ms {
				sc = append(sc, StageIs(s))
				if !seen[s] {
					seen[s] = true
					stages = append(stages, s)
				}
			}
			parts = append(parts, Any(sc...))
		}
		alts = append(alts, All(parts...))
	}
	if allStages {
		stages = nil
	}
	return Any(alts...), stages, nil
}

// CompileURLFilter 解析声明式 url 过滤对象
func CompileURLFilter(v gjson.Result) (*URLFilter, error) {
	if !v.IsObject() {
		return nil, fmt.Errorf("%w: url filter must be object", ErrInvalidCondition)
	}
	f := &URLFilter{
		HostEquals:   v.Get("hostEquals").String(),
		HostPrefix:   v.Get("hostPrefix").String(),
		HostSuffix:   v.Get("hostSuffix").String(),
		HostContains: v.Get("hostContains").String(),
		PathPrefix:   v.Get("pathPrefix").String(),
		PathSuffix:   v.Get("pathSuffix").String(),
		PathContains: v.Get("pathContains").String(),
		URLEquals:    v.Get("urlEquals").String(),
		URLPrefix:    v.Get("urlPrefix").String(),
		URLSuffix:    v.Get("urlSuffix").String(),
		URLContains:  v.Get("urlContains").String(),
		URLMatches:   v.Get("urlMatches").String(),
	}
	for _, s := range v.Get("schemes").Array() {
		f.Schemes = append(f.Schemes, s.String())
	}
	if err := f.Compile(); err != nil {
		return nil, err
	}
	return f, nil
}

// CompileCondition 解析条件树：all / any / none / urlGlob / url / detail / header / stage
func CompileCondition(v gjson.Result) (Condition, error) {
	if !v.IsObject() {
		return nil, fmt.Errorf("%w: node must be object", ErrInvalidCondition)
	}
	var (
		node  Condition
		err   error
		count int
	)
	v.ForEach(func(k, val gjson.Result) bool {
		count++
		node, err = compileNode(k.String(), val)
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	if count != 1 {
		return nil, fmt.Errorf("%w: node must have exactly one key", ErrInvalidCondition)
	}
	return node, nil
}

func compileNode(key string, val gjson.Result) (Condition, error) {
	switch key {
	case "all", "any", "none":
		if !val.IsArray() {
			return nil, fmt.Errorf("%w: %s must be array", ErrInvalidCondition, key)
		}
		var children []Condition
		for _, c := range val.Array() {
			child, err := CompileCondition(c)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		switch key {
		case "all":
			return All(children...), nil
		case "any":
			return Any(children...), nil
		default:
			return None(children...), nil
		}
	case "urlGlob":
		return NewURLGlob(val.String())
	case "url":
		return NewURLMatch(val.Get("mode").String(), val.Get("pattern").String())
	case "detail":
		var values []string
		if vs := val.Get("values"); vs.IsArray() {
			for _, s := range vs.Array() {
				values = append(values, s.String())
			}
		} else if one := val.Get("value"); one.Exists() {
			values = append(values, one.String())
		}
		return NewDetailPath(val.Get("path").String(), values...)
	case "header":
		return NewHeaderMatch(val.Get("name").String(), val.Get("op").String(), val.Get("value").String(), val.Get("response").Bool())
	case "stage":
		st, ok := parseStage(val.String())
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStage, val.String())
		}
		return StageIs(st), nil
	default:
		return nil, fmt.Errorf("%w: unknown node %q", ErrInvalidCondition, key)
	}
}
