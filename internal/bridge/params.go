package bridge

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind 参数类型标签
type Kind uint8

const (
	KindAny Kind = iota
	KindNull
	KindBool
	KindNumber
	KindUint
	KindString
	KindObject
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindUint:
		return "uint"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return "any"
	}
}

// Param 命令参数描述；Optional 允许 null，Elem 约束数组元素
type Param struct {
	Kind     Kind
	Optional bool
	Elem     *Param
}

// 常用参数
var (
	Any    = Param{Kind: KindAny}
	Bool   = Param{Kind: KindBool}
	Number = Param{Kind: KindNumber}
	Uint   = Param{Kind: KindUint}
	String = Param{Kind: KindString}
	Object = Param{Kind: KindObject}
)

// ArrayOf 元素类型受约束的数组
func ArrayOf(elem Param) Param { return Param{Kind: KindArray, Elem: &elem} }

// Optional 允许为 null 的参数
func Optional(p Param) Param {
	p.Optional = true
	return p
}

func (p Param) String() string {
	s := p.Kind.String()
	if p.Kind == KindArray && p.Elem != nil {
		s = "[]" + p.Elem.String()
	}
	if p.Optional {
		s = "?" + s
	}
	return s
}

// accepts 判断一个 JSON 值能否解析为该参数
func (p Param) accepts(r gjson.Result) bool {
	if !r.Exists() || r.Type == gjson.Null {
		return p.Optional || p.Kind == KindAny || p.Kind == KindNull
	}
	switch p.Kind {
	case KindAny:
		return true
	case KindNull:
		return false
	case KindBool:
		return r.Type == gjson.True || r.Type == gjson.False
	case KindNumber:
		return r.Type == gjson.Number
	case KindUint:
		return r.Type == gjson.Number && r.Num >= 0 && r.Num == math.Trunc(r.Num)
	case KindString:
		return r.Type == gjson.String
	case KindObject:
		return r.IsObject()
	case KindArray:
		if !r.IsArray() {
			return false
		}
		if p.Elem == nil {
			return true
		}
		for _, e := range r.Array() {
			if !p.Elem.accepts(e) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// overlaps 判断是否存在同时满足两个参数的值
func overlaps(a, b Param) bool {
	switch {
	case a.Kind == KindAny || b.Kind == KindAny:
		return true
	case a.Optional && (b.Optional || b.Kind == KindNull):
		return true
	case b.Optional && a.Kind == KindNull:
		return true
	case a.Kind == b.Kind:
		return true
	case a.Kind == KindNumber && b.Kind == KindUint, a.Kind == KindUint && b.Kind == KindNumber:
		return true
	default:
		return false
	}
}

// Signature 命令的参数列表
type Signature []Param

// Sig 构造参数列表
func Sig(params ...Param) Signature { return Signature(params) }

func (s Signature) String() string {
	parts := make([]string, len(s))
	for i, p := range s {
		parts[i] = p.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// ambiguous 同参数个数且逐位可重叠时无法区分
func (s Signature) ambiguous(o Signature) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if !overlaps(s[i], o[i]) {
			return false
		}
	}
	return true
}

func (s Signature) match(items []gjson.Result) bool {
	if len(items) != len(s) {
		return false
	}
	for i, p := range s {
		if !p.accepts(items[i]) {
			return false
		}
	}
	return true
}

// Args 已通过类型检查的参数
type Args struct {
	items []gjson.Result
}

// NewArgs 由 JSON 值构造参数，主要用于测试
func NewArgs(items ...gjson.Result) Args { return Args{items: items} }

func (a Args) Len() int { return len(a.items) }

// At 返回原始 JSON 值，越界时返回不存在的值
func (a Args) At(i int) gjson.Result {
	if i < 0 || i >= len(a.items) {
		return gjson.Result{}
	}
	return a.items[i]
}

func (a Args) String(i int) string { return a.At(i).String() }
func (a Args) Uint(i int) uint64   { return a.At(i).Uint() }
func (a Args) Bool(i int) bool     { return a.At(i).Bool() }
func (a Args) IsNull(i int) bool {
	r := a.At(i)
	return !r.Exists() || r.Type == gjson.Null
}

// Raw 返回参数的原始 JSON
func (a Args) Raw(i int) json.RawMessage {
	r := a.At(i)
	if !r.Exists() {
		return nil
	}
	return json.RawMessage(r.Raw)
}

// Strings 读取字符串数组参数
func (a Args) Strings(i int) []string {
	var out []string
	for _, e := range a.At(i).Array() {
		out = append(out, e.String())
	}
	return out
}
