package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"

	"pilot/internal/logger"
)

var log = logger.With("scheduler")

// Scheduler cron 包装：日切、权益刷新等周期性杂务挂在这里。
// 任务函数自带 ctx，停机时通过 ctx 协作退出。
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
}

func New(ctx context.Context) *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		ctx:  ctx,
	}
}

// Add 注册任务，spec 为标准五段 cron 表达式。
func (s *Scheduler) Add(spec, name string, fn func(ctx context.Context)) error {
	_, err := s.cron.AddFunc(spec, func() {
		if s.ctx.Err() != nil {
			return
		}
		log.Debugf("执行任务 %s", name)
		fn(s.ctx)
	})
	if err != nil {
		return err
	}
	log.Infof("已注册任务 %s (%s)", name, spec)
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop 停止调度并等待在跑任务结束。
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
