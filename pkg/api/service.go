package api

import (
	"context"

	"cdpwebreq/internal/service"
	"cdpwebreq/pkg/model"
)

// Options 服务依赖
type Options = service.Options

// Service 服务接口
type Service interface {
	// StartSession 启动会话
	StartSession(cfg model.SessionConfig) (model.SessionID, error)

	// StopSession 停止会话
	StopSession(id model.SessionID) error

	// AttachTarget 附加目标，target 为空时附加第一个页面
	AttachTarget(id model.SessionID, target model.TargetID) (model.TargetInfo, error)

	// DetachTarget 分离目标
	DetachTarget(id model.SessionID, target model.TargetID) error

	// ListTargets 列出目标
	ListTargets(id model.SessionID) ([]model.TargetInfo, error)

	// LoadRules 加载声明式规则 JSON
	LoadRules(owner string, raw []byte) ([]model.RuleID, error)

	// LoadScript 加载扩展脚本
	LoadScript(owner, name, src string) error

	// UnloadScript 卸载扩展脚本
	UnloadScript(owner string) error

	// Dispatch 处理桥接命令信封
	Dispatch(ctx context.Context, envelope []byte) []byte

	// SubscribeEvents 订阅事件
	SubscribeEvents(id model.SessionID) (<-chan model.Event, func(), error)

	// RecentEvents 查询最近持久化的事件
	RecentEvents(ctx context.Context, limit int) ([]model.Event, error)

	// RuleStats 获取规则统计信息
	RuleStats() model.EngineStats

	// FlushCache 清空浏览器缓存
	FlushCache(ctx context.Context) error

	// Close 关闭服务
	Close() error
}

// NewService 创建并返回服务接口实现
func NewService(opts Options) (Service, error) {
	svc, err := service.New(opts)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

var _ Service = (*service.Service)(nil)
