package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/han-fei/telemesh/internal/utils"
)

// Validate 校验配置，矛盾的组合返回 *utils.ConfigurationError
func (c *Config) Validate() error {
	if !c.Roles.Collector && !c.Roles.Aggregator {
		return utils.NewConfigError("roles", "至少需要启用collector或aggregator角色")
	}

	if c.Roles.Collector {
		if err := c.validateCollector(); err != nil {
			return err
		}
	}

	if c.Aggregator.Secondary != "" && !c.Roles.Aggregator {
		return utils.NewConfigError("aggregator.secondary", "设置了二级汇聚节点但未启用aggregator角色")
	}
	if c.Sink.Type != "" && !c.Roles.Aggregator {
		return utils.NewConfigError("sink.type", "设置了sink但未启用aggregator角色")
	}

	if c.Roles.Aggregator {
		if err := c.validateAggregator(); err != nil {
			return err
		}
		if err := c.validateSink(); err != nil {
			return err
		}
	}

	return c.validateTopology()
}

func (c *Config) validateCollector() error {
	if len(c.Collector.Targets) == 0 {
		return utils.NewConfigError("collector.targets", "collector角色至少需要一个汇聚节点地址")
	}
	if c.Collector.Interval <= 0 {
		return utils.NewConfigError("collector.interval", "必须为正数，当前为 %v", c.Collector.Interval)
	}
	if c.Collector.SampleWindow < 0 {
		return utils.NewConfigError("collector.sample_window", "不能为负数")
	}
	if c.Collector.SampleWindow >= c.Collector.Interval {
		return utils.NewConfigError("collector.sample_window", "必须小于采集间隔 %v", c.Collector.Interval)
	}
	if c.Collector.RequestTimeout <= 0 {
		return utils.NewConfigError("collector.request_timeout", "必须为正数")
	}
	if c.Collector.Workers < 1 {
		return utils.NewConfigError("collector.workers", "必须大于0")
	}

	seen := make(map[string]bool, len(c.Collector.Targets))
	for _, target := range c.Collector.Targets {
		if strings.TrimSpace(target) == "" {
			return utils.NewConfigError("collector.targets", "包含空地址")
		}
		if c.IsLocalTarget(target) && !c.Roles.Aggregator {
			return utils.NewConfigError("collector.targets", "目标 %q 指向本节点但未启用aggregator角色", target)
		}
		if seen[target] {
			return utils.NewConfigError("collector.targets", "重复的目标 %q", target)
		}
		seen[target] = true
	}
	return nil
}

func (c *Config) validateAggregator() error {
	if c.Aggregator.RequestTimeout <= 0 {
		return utils.NewConfigError("aggregator.request_timeout", "必须为正数")
	}
	if c.Aggregator.MailboxSize < 1 {
		return utils.NewConfigError("aggregator.mailbox_size", "必须大于0")
	}
	if c.Aggregator.MaxHops < 1 {
		return utils.NewConfigError("aggregator.max_hops", "必须大于0")
	}
	if c.Aggregator.Secondary != "" && isWildcardAddress(c.Node.Address) {
		return utils.NewConfigError("node.address",
			"配置了二级汇聚节点时必须是可路由的host:port，当前为 %q", c.Node.Address)
	}
	if c.Aggregator.Secondary != "" && c.IsLocalTarget(c.Aggregator.Secondary) {
		return utils.NewConfigError("aggregator.secondary", "不能转发给自己 (%s)", c.Aggregator.Secondary)
	}
	return nil
}

func (c *Config) validateSink() error {
	switch c.Sink.Type {
	case "":
		return nil
	case SinkPushgateway, SinkRedis:
		if c.Sink.Address == "" {
			return utils.NewConfigError("sink.address", "%s sink需要地址", c.Sink.Type)
		}
	case SinkKafka:
		if len(c.Sink.Kafka.Brokers) == 0 {
			return utils.NewConfigError("sink.kafka.brokers", "kafka sink至少需要一个broker")
		}
		if c.Sink.Kafka.Topic == "" {
			return utils.NewConfigError("sink.kafka.topic", "kafka sink需要topic")
		}
	default:
		return utils.NewConfigError("sink.type", "未知的sink类型 %q", c.Sink.Type)
	}
	if c.Sink.Timeout <= 0 {
		return utils.NewConfigError("sink.timeout", "必须为正数")
	}
	return nil
}

// validateTopology 检查转发图中是否存在环路
func (c *Config) validateTopology() error {
	edges := make(map[string]string, len(c.Topology.Forwarding)+1)
	for from, to := range c.Topology.Forwarding {
		if from == "" || to == "" {
			return utils.NewConfigError("topology.forwarding", "包含空地址")
		}
		edges[from] = to
	}

	if c.Roles.Aggregator && c.Aggregator.Secondary != "" {
		if declared, ok := edges[c.Node.Address]; ok && declared != c.Aggregator.Secondary {
			return utils.NewConfigError("topology.forwarding",
				"本节点 %s 声明的二级节点 %s 与 aggregator.secondary %s 不一致",
				c.Node.Address, declared, c.Aggregator.Secondary)
		}
		edges[c.Node.Address] = c.Aggregator.Secondary
	}

	if cycle := FindCycle(edges); cycle != nil {
		return utils.NewConfigError("topology.forwarding", "转发拓扑存在环路: %s", strings.Join(cycle, " -> "))
	}
	return nil
}

// FindCycle 在出度不超过1的转发图中查找环路，返回环上的节点（首尾相同），无环返回nil
func FindCycle(edges map[string]string) []string {
	starts := make([]string, 0, len(edges))
	for from := range edges {
		starts = append(starts, from)
	}
	sort.Strings(starts)

	done := make(map[string]bool, len(edges))
	for _, start := range starts {
		if done[start] {
			continue
		}
		index := make(map[string]int)
		var walk []string
		node := start
		for {
			if i, ok := index[node]; ok {
				cycle := append([]string{}, walk[i:]...)
				return append(cycle, node)
			}
			if done[node] {
				break
			}
			index[node] = len(walk)
			walk = append(walk, node)
			next, ok := edges[node]
			if !ok {
				break
			}
			node = next
		}
		for _, n := range walk {
			done[n] = true
		}
	}
	return nil
}

// String 配置摘要，用于启动日志
func (c *Config) String() string {
	return fmt.Sprintf("node=%s address=%s collector=%t aggregator=%t targets=%v secondary=%q sink=%q",
		c.Node.ID, c.Node.Address, c.Roles.Collector, c.Roles.Aggregator,
		c.Collector.Targets, c.Aggregator.Secondary, c.Sink.Type)
}
