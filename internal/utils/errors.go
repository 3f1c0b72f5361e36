package utils

import (
	"errors"
	"fmt"
)

// ErrorType 错误类型
type ErrorType string

const (
	ErrorTypeCollection    ErrorType = "collection"
	ErrorTypeDelivery      ErrorType = "delivery"
	ErrorTypeSinkPush      ErrorType = "sink_push"
	ErrorTypeConfiguration ErrorType = "configuration"
)

// CollectionError 主机指标不可用或数据无效，跳过本次采集
type CollectionError struct {
	Identity string
	Err      error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("采集失败 [%s]: %v", e.Identity, e.Err)
}

func (e *CollectionError) Unwrap() error { return e.Err }

// Type 返回错误类型
func (e *CollectionError) Type() ErrorType { return ErrorTypeCollection }

// DeliveryError 上报或转发到某个目标失败
type DeliveryError struct {
	Target   string
	Identity string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("发送到 %s 失败 [%s]: %v", e.Target, e.Identity, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Type 返回错误类型
func (e *DeliveryError) Type() ErrorType { return ErrorTypeDelivery }

// SinkPushError 外部指标系统推送失败
type SinkPushError struct {
	Sink     string
	Identity string
	Err      error
}

func (e *SinkPushError) Error() string {
	return fmt.Sprintf("推送到sink %s 失败 [%s]: %v", e.Sink, e.Identity, e.Err)
}

func (e *SinkPushError) Unwrap() error { return e.Err }

// Type 返回错误类型
func (e *SinkPushError) Type() ErrorType { return ErrorTypeSinkPush }

// ConfigurationError 启动配置无效或互相矛盾
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := "配置错误"
	if e.Field != "" {
		msg += " " + e.Field
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Type 返回错误类型
func (e *ConfigurationError) Type() ErrorType { return ErrorTypeConfiguration }

// NewConfigError 创建配置错误
func NewConfigError(field, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TypeOf 返回错误链中第一个带类型的错误的类型，没有则返回空字符串
func TypeOf(err error) ErrorType {
	var typed interface{ Type() ErrorType }
	if errors.As(err, &typed) {
		return typed.Type()
	}
	return ""
}

// IsConfigurationError 判断是否为配置错误
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
