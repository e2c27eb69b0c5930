// Copyright 2026 llmgate Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package config 提供 llmgate 的配置管理功能。

# 概述

config 包负责应用配置的完整生命周期管理，包括多源加载、
运行时热重载与变更审计。配置按
"默认值 -> YAML 文件 -> 环境变量" 的优先级合并。

# 核心结构

  - Config: 顶层配置聚合，涵盖 Server、Redis、Database、Log、
    Telemetry 等环境无关的基础设施配置，以及 Gatekeeper、
    Providers、Limits、Quota、Proxy 等代理域配置
  - Loader: 配置加载器，支持 Builder 模式链式设置
    文件路径、环境变量前缀与自定义验证器
  - HotReloadManager: 热重载管理器，支持文件监听、
    局部字段更新、变更回调与变更日志（不做自动回滚，也不记录版本号）
  - FileWatcher: 文件变更监听器，基于轮询 + 去抖机制
    触发配置重载

# 主要能力

  - 多源加载: YAML 文件、环境变量（裸名称，无前缀）、默认值
  - 热重载: 文件监听自动重载，支持字段级更新
  - 安全治理: 敏感字段脱敏（provider key、数据库密码等）
  - 变更审计: 变更日志在每次 ApplyConfig 时截断为最近 1000 条记录，不带版本号
  - 配置验证: 内置基础校验（gatekeeper 模式、IP 限制等）+ 通过
    Loader.WithValidator 注册的自定义校验函数

# 环境变量

Gatekeeper/Providers/Limits/Quota/Proxy 下的字段对应一组裸环境变量名
（OPENAI_KEY、GATEKEEPER、MAX_IPS_PER_USER、TOKEN_QUOTA_GPT4…），不叠加
任何前缀；Server/Redis/Database/Log/Telemetry 这类基础设施分组则沿用
分段前缀（SERVER_HTTP_PORT 等）。

# 使用示例

	cfg, err := config.NewLoader().
		WithConfigPath("config.yaml").
		Load()
*/
package config
