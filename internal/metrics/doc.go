// 版权所有 2024 llmgate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
HTTP、请求队列、Key Pool、上游调用、缓存与数据库连接池。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    按 method/path/status 分组，status 为具体状态码（如 "200"）。
  - 队列指标：各 ModelFamily 分区的排队数与预估等待时间，按 family 分组。
  - Key Pool 指标：可用 key 数量，按 service/family 分组。
  - 上游指标：调用总数与耗时，按 service（及 status）分组。
  - 缓存指标：命中与未命中计数，按 cache_type 分组。
  - 数据库指标：打开/空闲连接数 Gauge，按 database 分组。
*/
package metrics
