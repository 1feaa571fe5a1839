package event

import (
	"sync"
	"time"
)

// Type 事件类型
type Type string

const (
	QueueUpdated     Type = "queue_updated"     // 队列内容变化
	EpisodeStarted   Type = "episode_started"   // 单话开始下载
	EpisodeProgress  Type = "episode_progress"  // 单话图片进度
	EpisodeCompleted Type = "episode_completed" // 单话下载完成
	EpisodeFailed    Type = "episode_failed"    // 单话下载失败
	QueueCompleted   Type = "queue_completed"   // 队列处理结束
	QueueCancelled   Type = "queue_cancelled"   // 队列被取消
	RecordCreated    Type = "record_created"    // 记录文件已创建（流式优先）
	SessionStarted   Type = "session_started"   // 会话开始
	SessionCompleted Type = "session_completed" // 会话完成
	SessionFailed    Type = "session_failed"    // 会话失败
	SessionCancelled Type = "session_cancelled" // 会话取消
	AllCompleted     Type = "all_completed"     // 所有待处理会话处理完毕
	CircuitState     Type = "circuit_state"     // 熔断器状态变化
	RateLimited      Type = "rate_limited"      // 观测到限流元数据
)

// Event 一条生命周期事件
type Event struct {
	Type       Type      `json:"type"`
	SeriesID   string    `json:"series_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	EpisodeNo  int       `json:"episode_no,omitempty"`
	FilePath   string    `json:"file_path,omitempty"`
	RemoteURLs []string  `json:"remote_urls,omitempty"` // record_created 携带原始远端地址
	ImageIndex int       `json:"image_index,omitempty"`
	ImageTotal int       `json:"image_total,omitempty"`
	Completed  int       `json:"completed,omitempty"`
	Failed     int       `json:"failed,omitempty"`
	Err        error     `json:"-"`
	Payload    any       `json:"payload,omitempty"`
	At         time.Time `json:"at"`
}

// Handler 事件处理函数
type Handler func(Event)

// Bus 同步事件总线。发布在调用方协程内按订阅顺序依次执行，
// 保证调用方看到的事件顺序与发布顺序一致。
type Bus struct {
	mu   sync.Mutex
	seq  int
	subs map[int]Handler
	ord  []int
}

// NewBus 创建事件总线
func NewBus() *Bus {
	return &Bus{
		subs: make(map[int]Handler),
	}
}

// Subscribe 订阅事件，返回退订函数
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.seq
	b.seq++
	b.subs[id] = h
	b.ord = append(b.ord, id)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
		for i, v := range b.ord {
			if v == id {
				b.ord = append(b.ord[:i], b.ord[i+1:]...)
				break
			}
		}
	}
}

// Publish 发布事件。在锁外同步调用处理函数，
// 处理函数内允许再次发布或退订。
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.ord))
	for _, id := range b.ord {
		if h, ok := b.subs[id]; ok {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(e)
	}
}
