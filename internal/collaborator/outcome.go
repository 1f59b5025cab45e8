// Package collaborator 封装流水线依赖的外部分析能力：PII 脱敏、语义分类、回复草稿。
//
// 每个调用都返回带标签的 Outcome，由编排器按 Kind 显式分支处理。
package collaborator

import "errors"

// Kind tags how a collaborator call ended.
type Kind int

const (
	KindOK Kind = iota
	// KindRecoverable 可以降级继续
	KindRecoverable
	// KindFatal 必须中止流水线
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindRecoverable:
		return "recoverable"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrRedaction wraps every redaction failure.
var ErrRedaction = errors.New("redaction failed")

// Outcome is the tagged result of one collaborator call.
// Value is only meaningful when Kind is KindOK; Err only otherwise.
type Outcome[T any] struct {
	Kind  Kind
	Value T
	Err   error
}

func OK[T any](v T) Outcome[T] {
	return Outcome[T]{Kind: KindOK, Value: v}
}

func Recoverable[T any](err error) Outcome[T] {
	return Outcome[T]{Kind: KindRecoverable, Err: err}
}

func Fatal[T any](err error) Outcome[T] {
	return Outcome[T]{Kind: KindFatal, Err: err}
}

func (o Outcome[T]) IsOK() bool {
	return o.Kind == KindOK
}
