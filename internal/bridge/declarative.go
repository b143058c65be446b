package bridge

import (
	"context"

	"cdpwebreq/internal/logger"
	"cdpwebreq/internal/rules"
	"cdpwebreq/pkg/model"
)

const (
	CmdAddRules               = "declarativeWebRequest.addRules"
	CmdRemoveRules            = "declarativeWebRequest.removeRules"
	CmdHandlerBehaviorChanged = "webRequest.handlerBehaviorChanged"
)

// DeclarativeRules 声明式规则所需的引擎能力
type DeclarativeRules interface {
	RuleRegistry
	RemoveOwned(owner string, kind rules.Kind) int
	OwnedIDs(owner string, kind rules.Kind) []model.RuleID
}

// CacheFlusher 监听器行为变化后清空传输层缓存
type CacheFlusher interface {
	FlushCache(ctx context.Context) error
}

// RegisterDeclarative 注册声明式规则与缓存刷新命令；flusher 可为 nil
func RegisterDeclarative(d *Dispatcher, engine DeclarativeRules, flusher CacheFlusher, l logger.Logger) error {
	if l == nil {
		l = logger.NewNop()
	}
	addRules := func(ctx context.Context, args Args) (any, error) {
		caller, ok := CallerFrom(ctx)
		if !ok {
			return nil, ErrNoCaller
		}
		compiled, err := rules.Compile(args.Raw(1), caller.Owner)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(compiled))
		for _, r := range compiled {
			id, err := engine.Register(r)
			if err != nil {
				for _, done := range ids {
					engine.Unregister(model.RuleID(done))
				}
				return nil, err
			}
			ids = append(ids, string(id))
		}
		l.Info("添加声明式规则", "event", args.String(0), "owner", caller.Owner, "count", len(ids))
		return ids, nil
	}
	removeAll := func(ctx context.Context, _ Args) (any, error) {
		caller, ok := CallerFrom(ctx)
		if !ok {
			return nil, ErrNoCaller
		}
		return engine.RemoveOwned(caller.Owner, rules.KindDeclarative), nil
	}
	removeSome := func(ctx context.Context, args Args) (any, error) {
		caller, ok := CallerFrom(ctx)
		if !ok {
			return nil, ErrNoCaller
		}
		if args.IsNull(1) {
			return engine.RemoveOwned(caller.Owner, rules.KindDeclarative), nil
		}
		owned := map[model.RuleID]bool{}
		for _, id := range engine.OwnedIDs(caller.Owner, rules.KindDeclarative) {
			owned[id] = true
		}
		n := 0
		for _, id := range args.Strings(1) {
			if owned[model.RuleID(id)] && engine.Unregister(model.RuleID(id)) {
				n++
			}
		}
		return n, nil
	}
	flush := func(ctx context.Context, _ Args) (any, error) {
		if flusher == nil {
			return nil, nil
		}
		return nil, flusher.FlushCache(ctx)
	}

	regs := []struct {
		name string
		sig  Signature
		fn   HandlerFunc
	}{
		{CmdAddRules, Sig(String, ArrayOf(Object)), addRules},
		{CmdRemoveRules, Sig(String), removeAll},
		{CmdRemoveRules, Sig(String, Optional(ArrayOf(String))), removeSome},
		{CmdHandlerBehaviorChanged, Sig(), flush},
	}
	for _, r := range regs {
		if err := d.Register(r.name, r.sig, r.fn); err != nil {
			return err
		}
	}
	return nil
}
