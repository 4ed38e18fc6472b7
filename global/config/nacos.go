package config

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"PPChat/logger"
	"PPChat/tools/decode"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
)

// WatchNacos 拉取远端配置覆盖到当前配置，并持续监听变化直到 ctx 结束。
// onChange 在每次成功覆盖后回调（首次拉取也会回调）。
func WatchNacos(ctx context.Context, base *AppConfig, onChange func(*AppConfig)) error {
	host, port, err := splitHostPort(base.Nacos.Addr)
	if err != nil {
		return err
	}
	serverConfigs := []constant.ServerConfig{*constant.NewServerConfig(host, port)}
	clientConfig := *constant.NewClientConfig(
		constant.WithTimeoutMs(5000),
		constant.WithNamespaceId(base.Nacos.Namespace),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogLevel("warn"),
	)
	cli, err := clients.NewConfigClient(vo.NacosClientParam{
		ClientConfig:  &clientConfig,
		ServerConfigs: serverConfigs,
	})
	if err != nil {
		return fmt.Errorf("nacos client: %w", err)
	}

	apply := func(data string) {
		next, err := overlay(base, data)
		if err != nil {
			logger.Warnf("[Nacos] ignore config dataId=%s: %v", base.Nacos.DataID, err)
			return
		}
		set(next)
		if onChange != nil {
			onChange(next)
		}
	}

	content, err := cli.GetConfig(vo.ConfigParam{DataId: base.Nacos.DataID, Group: base.Nacos.Group})
	if err != nil {
		cli.CloseClient()
		return fmt.Errorf("nacos get config: %w", err)
	}
	if strings.TrimSpace(content) != "" {
		apply(content)
	}

	param := vo.ConfigParam{
		DataId: base.Nacos.DataID,
		Group:  base.Nacos.Group,
		OnChange: func(namespace, group, dataId, data string) {
			logger.Infof("[Nacos] config changed dataId=%s group=%s", dataId, group)
			apply(data)
		},
	}
	if err := cli.ListenConfig(param); err != nil {
		cli.CloseClient()
		return fmt.Errorf("nacos listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = cli.CancelListenConfig(param)
		cli.CloseClient()
	}()
	return nil
}

// overlay 以 base 为底，按 json tag 覆盖远端给出的字段
func overlay(base *AppConfig, data string) (*AppConfig, error) {
	m := map[string]any{}
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	next := *base
	if err := decode.Into(m, &next); err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return &next, nil
}

func splitHostPort(addr string) (string, uint64, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("nacos addr %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(p, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("nacos port %q: %w", p, err)
	}
	return host, port, nil
}
