package autoblock

import (
	"io"
	"sync"

	"github.com/nxadm/tail"
	"go.uber.org/zap"
)

// Tailer follows files from their current end and streams new lines.
// Tailer 从文件当前末尾开始跟踪并输出新行。
type Tailer struct {
	Events chan LogEvent

	mu      sync.Mutex
	wg      sync.WaitGroup
	tails   []*tail.Tail
	watched map[string]bool
	log     *zap.SugaredLogger
}

func NewTailer(log *zap.SugaredLogger) *Tailer {
	return &Tailer{
		Events:  make(chan LogEvent, 1024),
		watched: make(map[string]bool),
		log:     log,
	}
}

// Watch starts tailing files not already followed.
func (t *Tailer) Watch(files ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, file := range files {
		if t.watched[file] {
			continue
		}
		tailer, err := tail.TailFile(file, tail.Config{
			Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
			Follow:    true,
			ReOpen:    true, // log rotation
			MustExist: false,
			Poll:      true,
			Logger:    tail.DiscardingLogger,
		})
		if err != nil {
			t.log.Errorf("[ERROR] Failed to tail %s: %v", file, err)
			continue
		}
		t.watched[file] = true
		t.tails = append(t.tails, tailer)
		t.wg.Add(1)
		go t.forward(file, tailer)
	}
}

func (t *Tailer) forward(file string, tailer *tail.Tail) {
	defer t.wg.Done()
	for line := range tailer.Lines {
		if line.Err != nil {
			t.log.Warnf("[WARN]  Error reading %s: %v", file, line.Err)
			continue
		}
		t.Events <- LogEvent{Line: line.Text, Source: file, Timestamp: line.Time}
	}
}

// Stop stops all tails and closes Events.
func (t *Tailer) Stop() {
	t.mu.Lock()
	tails := t.tails
	t.tails = nil
	t.mu.Unlock()

	for _, tailer := range tails {
		_ = tailer.Stop()
	}
	t.wg.Wait()
	close(t.Events)
}
