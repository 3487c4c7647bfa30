// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package executor

import (
	"runtime"
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// ExceptionHandler receives the errors of a job execution that are not
// returned to anyone.
type ExceptionHandler interface {
	HandleException(jobName string, err error)
}

// ExecutorServiceHandler sizes the pool running the items of one execution.
type ExecutorServiceHandler interface {
	PoolSize() int
}

type logExceptionHandler struct{}

func (logExceptionHandler) HandleException(jobName string, err error) {
	log.Error("job execution failed", zap.String("job", jobName), zap.Error(err))
}

type ignoreExceptionHandler struct{}

func (ignoreExceptionHandler) HandleException(string, error) {}

type cpuExecutorServiceHandler struct{}

func (cpuExecutorServiceHandler) PoolSize() int { return runtime.NumCPU() * 2 }

type singleExecutorServiceHandler struct{}

func (singleExecutorServiceHandler) PoolSize() int { return 1 }

var (
	handlerMu         sync.RWMutex
	exceptionHandlers = map[string]func() ExceptionHandler{
		"LOG":    func() ExceptionHandler { return logExceptionHandler{} },
		"IGNORE": func() ExceptionHandler { return ignoreExceptionHandler{} },
	}
	executorServiceHandlers = map[string]func() ExecutorServiceHandler{
		"CPU":    func() ExecutorServiceHandler { return cpuExecutorServiceHandler{} },
		"SINGLE": func() ExecutorServiceHandler { return singleExecutorServiceHandler{} },
	}
)

// RegisterExceptionHandler adds a named exception handler constructor.
func RegisterExceptionHandler(name string, newHandler func() ExceptionHandler) {
	handlerMu.Lock()
	defer handlerMu.Unlock()
	exceptionHandlers[name] = newHandler
}

// RegisterExecutorServiceHandler adds a named pool size handler constructor.
func RegisterExecutorServiceHandler(name string, newHandler func() ExecutorServiceHandler) {
	handlerMu.Lock()
	defer handlerMu.Unlock()
	executorServiceHandlers[name] = newHandler
}

// GetExceptionHandler falls back to LOG for an unknown name.
func GetExceptionHandler(name string) ExceptionHandler {
	handlerMu.RLock()
	defer handlerMu.RUnlock()
	if newHandler, ok := exceptionHandlers[name]; ok {
		return newHandler()
	}
	if name != "" {
		log.Warn("unknown job exception handler, use LOG", zap.String("handler", name))
	}
	return logExceptionHandler{}
}

// GetExecutorServiceHandler falls back to CPU for an unknown name.
func GetExecutorServiceHandler(name string) ExecutorServiceHandler {
	handlerMu.RLock()
	defer handlerMu.RUnlock()
	if newHandler, ok := executorServiceHandlers[name]; ok {
		return newHandler()
	}
	if name != "" {
		log.Warn("unknown executor service handler, use CPU", zap.String("handler", name))
	}
	return cpuExecutorServiceHandler{}
}
