package rules

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cdpwebreq/pkg/model"
	"cdpwebreq/pkg/traffic"

	"github.com/gabriel-vasile/mimetype"
)

var ErrInvalidAction = errors.New("invalid action")

// Action 规则命中后执行的行为，返回部分结果由引擎合并
type Action interface {
	Apply(ctx context.Context, d *model.Details) (model.BlockingResponse, error)
}

// ActionFunc 函数形式的行为
type ActionFunc func(ctx context.Context, d *model.Details) (model.BlockingResponse, error)

func (f ActionFunc) Apply(ctx context.Context, d *model.Details) (model.BlockingResponse, error) {
	return f(ctx, d)
}

// Cancel 取消请求
type Cancel struct{}

func (Cancel) Apply(context.Context, *model.Details) (model.BlockingResponse, error) {
	return model.BlockingResponse{Cancel: true}, nil
}

// Redirect 重定向到指定 URL
type Redirect struct {
	URL string
}

func (r Redirect) Apply(context.Context, *model.Details) (model.BlockingResponse, error) {
	return model.BlockingResponse{RedirectURL: r.URL}, nil
}

// emptyDocument 重定向到空文档时返回的合成响应
var emptyDocument = model.FakeResponse{StatusCode: http.StatusOK, MIMEType: "text/plain", Body: []byte(" ")}

// RedirectToEmpty 以空白文本文档应答
type RedirectToEmpty struct{}

func (RedirectToEmpty) Apply(context.Context, *model.Details) (model.BlockingResponse, error) {
	fake := emptyDocument
	return model.BlockingResponse{Fake: &fake}, nil
}

// Respond 以合成响应应答；未指定 MIME 时按内容探测
type Respond struct {
	StatusCode int
	MIMEType   string
	Headers    traffic.Header
	Body       []byte
}

func (r Respond) Apply(context.Context, *model.Details) (model.BlockingResponse, error) {
	fake := &model.FakeResponse{
		StatusCode: r.StatusCode,
		MIMEType:   r.MIMEType,
		Headers:    r.Headers.Clone(),
		Body:       r.Body,
	}
	if fake.StatusCode == 0 {
		fake.StatusCode = http.StatusOK
	}
	if fake.MIMEType == "" {
		fake.MIMEType = mimetype.Detect(r.Body).String()
	}
	return model.BlockingResponse{Fake: fake}, nil
}

// HeaderEdit 在当前头部基础上设置或删除一项，结果作为整套头部替换
type HeaderEdit struct {
	Name     string
	Value    string
	Remove   bool
	Response bool
}

func (h HeaderEdit) Apply(_ context.Context, d *model.Details) (model.BlockingResponse, error) {
	src := d.RequestHeaders
	if h.Response {
		src = d.ResponseHeaders
	}
	if src == nil {
		// 当前阶段没有可改写的头部
		return model.BlockingResponse{}, nil
	}
	next := src.Clone()
	if h.Remove {
		next.Del(h.Name)
	} else {
		next.Set(h.Name, h.Value)
	}
	if h.Response {
		return model.BlockingResponse{ResponseHeaders: next}, nil
	}
	return model.BlockingResponse{RequestHeaders: next}, nil
}

func validateAction(a Action) error {
	switch v := a.(type) {
	case nil:
		return fmt.Errorf("%w: nil", ErrInvalidAction)
	case Redirect:
		if v.URL == "" {
			return fmt.Errorf("%w: redirect without url", ErrInvalidAction)
		}
	case HeaderEdit:
		if v.Name == "" {
			return fmt.Errorf("%w: header edit without name", ErrInvalidAction)
		}
	}
	return nil
}
