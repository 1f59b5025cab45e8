package circuitbreaker

import (
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Config 熔断器配置
type Config struct {
	// 失败阈值：连续失败多少次后打开熔断器
	FailureThreshold uint32
	// 打开状态持续多久后进入半开状态
	Timeout time.Duration
	// 关闭状态下计数器的清零周期
	Interval time.Duration
	// 半开状态下的最大请求数
	HalfOpenMaxRequests uint32
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		Timeout:             30 * time.Second,
		Interval:            60 * time.Second,
		HalfOpenMaxRequests: 2,
	}
}

// Breaker 包装 gobreaker，对外只暴露 func() error 形式的执行接口
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New 创建熔断器，状态变化写入日志
func New(name string, cfg Config, logger *zap.Logger) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute 执行函数，带熔断保护。熔断打开时返回 gobreaker.ErrOpenState
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// State 返回当前状态名，供健康检查和日志使用
func (b *Breaker) State() string {
	return b.cb.State().String()
}
