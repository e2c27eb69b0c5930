// Package tokenizer 提供统一的 Token 计数接口，
// 支持 tiktoken 精确计数与 CJK 估算器，用于 LLM 请求的 Token 预算管理。
package tokenizer
