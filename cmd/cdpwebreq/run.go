package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"cdpwebreq/internal/config"
	"cdpwebreq/internal/logger"
	"cdpwebreq/internal/metrics"
	"cdpwebreq/internal/storage"
	"cdpwebreq/pkg/api"
	"cdpwebreq/pkg/model"

	"github.com/spf13/cobra"
)

// loadConfig 读取配置并应用命令行覆盖
func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.devtools != "" {
		cfg.Browser.DevToolsURL = opts.devtools
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) logger.Logger {
	return logger.New(logger.Options{Level: cfg.Log.Level, Writer: cfg.Log.Writer, File: cfg.Log.File})
}

// ownerName 由文件名推导脚本或规则的归属
func ownerName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var scripts, ruleFiles []string
	var target string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "连接浏览器并开始拦截",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			cfg.Scripts = append(cfg.Scripts, scripts...)
			cfg.Rules = append(cfg.Rules, ruleFiles...)
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg, model.TargetID(target))
		},
	}
	cmd.Flags().StringArrayVar(&scripts, "script", nil, "扩展脚本文件，可重复")
	cmd.Flags().StringArrayVar(&ruleFiles, "rules", nil, "声明式规则 JSON 文件，可重复")
	cmd.Flags().StringVar(&target, "target", "", "附加的目标 ID，默认第一个页面")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, target model.TargetID) error {
	log := newLogger(cfg)
	m := metrics.New()

	store, err := storage.Open(cfg.Sqlite, log)
	if err != nil {
		return err
	}
	svc, err := api.NewService(api.Options{Config: cfg, Logger: log, Metrics: m, Store: store})
	if err != nil {
		_ = store.Close()
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Err(err, "关闭服务失败")
		}
	}()

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Err(err, "指标服务异常退出")
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		log.Info("指标服务已启动", "addr", cfg.Metrics.Addr)
	}

	for _, path := range cfg.Rules {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read rules: %w", err)
		}
		if _, err := svc.LoadRules(ownerName(path), raw); err != nil {
			return fmt.Errorf("load rules %s: %w", path, err)
		}
	}
	for _, path := range cfg.Scripts {
		src, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read script: %w", err)
		}
		if err := svc.LoadScript(ownerName(path), path, string(src)); err != nil {
			return err
		}
	}

	sid, err := svc.StartSession(model.SessionConfig{DevToolsURL: cfg.Browser.DevToolsURL})
	if err != nil {
		return err
	}
	info, err := svc.AttachTarget(sid, target)
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	log.Info("已附加目标", "target", string(info.ID), "url", info.URL)

	events, unsubscribe, err := svc.SubscribeEvents(sid)
	if err != nil {
		return err
	}
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			log.Info("收到退出信号")
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			log.Debug("拦截事件", "type", evt.Type, "url", evt.URL, "tab", evt.Tab)
		}
	}
}
