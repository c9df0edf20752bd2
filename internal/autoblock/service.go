package autoblock

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/MaxSonchik/DevOS/internal/config"
	"github.com/MaxSonchik/DevOS/internal/utils/logger"
)

// Service ties a Tailer to an Engine.
// Service 将 Tailer 与 Engine 连接起来。
type Service struct {
	files  []string
	engine *Engine
	tailer *Tailer
	log    *zap.SugaredLogger
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New compiles cfg. It does not touch the files until Start.
func New(cfg config.AutoBlockConfig, b Blocker, log *zap.SugaredLogger) (*Service, error) {
	if log == nil {
		log = logger.Get(nil)
	}
	rs, err := Compile(cfg.Rules)
	if err != nil {
		return nil, err
	}
	return &Service{
		files:  cfg.Files,
		engine: NewEngine(rs, b, WithLogger(log)),
		log:    log,
	}, nil
}

// Start begins tailing and evaluating.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.tailer = NewTailer(s.log)
	s.tailer.Watch(s.files...)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.engine.Run(ctx, s.tailer.Events)
	}()
	s.log.Infof("[AUTO] Watching %d file(s) with %d rule(s)", len(s.files), len(s.engine.rules))
}

// Stop halts tailing and waits for the engine to return.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	// drain so blocked forwarders can exit
	go func() {
		for range s.tailer.Events {
		}
	}()
	s.tailer.Stop()
	s.wg.Wait()
}
