package model

import (
	"testing"
	"time"
)

func TestSessionIsTerminal(t *testing.T) {
	tests := []struct {
		status SessionStatus
		want   bool
	}{
		{SessionStatusPending, false},
		{SessionStatusRunning, false},
		{SessionStatusCompleted, true},
		{SessionStatusCancelled, true},
		{SessionStatusFailed, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			// 值接收者：快照副本上也要能直接判断终态
			if got := (DownloadSession{Status: tt.status}).IsTerminal(); got != tt.want {
				t.Errorf("IsTerminal() = %v, 期望 %v", got, tt.want)
			}
		})
	}
}

func TestSessionFinish(t *testing.T) {
	s := DownloadSession{ID: NewSessionID("wt-1", time.Now()), Status: SessionStatusRunning}
	s.Finish(SessionStatusCompleted)
	if s.Status != SessionStatusCompleted {
		t.Errorf("状态 = %s", s.Status)
	}
	if s.CompletedAt == nil {
		t.Error("结束时间未设置")
	}
	if s.IsTerminal() != true {
		t.Error("结束后应为终态")
	}
}
