package engine

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrAlreadyRunning    = errors.New("strategy already running")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrAlreadyRegistered = errors.New("strategy already registered")
	ErrStrategyNotFound  = errors.New("strategy not found")
	ErrConcurrencyLimit  = errors.New("max concurrent strategies reached")
)

// ConfigurationError worker 配置不合法，启动前检出
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// ConnectivityError 启动时交易所不可达
type ConnectivityError struct {
	Err error
}

func (e *ConnectivityError) Error() string {
	return "exchange unreachable: " + e.Err.Error()
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// RuntimeFault tick 内部的错误或 panic，worker 随之进入 ERROR
type RuntimeFault struct {
	Err error
}

func (e *RuntimeFault) Error() string {
	return "runtime fault: " + e.Err.Error()
}

func (e *RuntimeFault) Unwrap() error { return e.Err }
