package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	devtools   string
	logLevel   string
}

func main() {
	cmd := newRootCmd(context.Background(), os.Stdout, os.Stderr)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// newRootCmd 构建命令树
func newRootCmd(ctx context.Context, out, errOut io.Writer) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "cdpwebreq",
		Short:         "基于 CDP 的请求拦截与规则分发",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetContext(ctx)
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML 配置文件路径")
	cmd.PersistentFlags().StringVar(&opts.devtools, "devtools", "", "DevTools 地址，覆盖配置")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "日志级别，覆盖配置")

	cmd.AddCommand(newRunCmd(opts), newEventsCmd(opts))
	return cmd
}
