package filewatcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"toon-archive/app/logger"
)

type removedRecorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *removedRecorder) record(relPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, relPath)
}

func (r *removedRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func waitForRemoved(t *testing.T, rec *removedRecorder, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, p := range rec.snapshot() {
			if p == want {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("超时未收到删除回调: 期望 %s, 已收到 %v", want, rec.snapshot())
}

func TestWatcherNotifiesOnRecordRemoval(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "测试系列", "001-第1话")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	record := filepath.Join(dir, "001-第1话.md")
	if err := os.WriteFile(record, []byte("# 第1话\n"), 0644); err != nil {
		t.Fatal(err)
	}

	rec := &removedRecorder{}
	vw, err := NewVaultWatcher(root, logger.NewNop(), rec.record)
	if err != nil {
		t.Fatal(err)
	}
	if err := vw.Start(); err != nil {
		t.Fatal(err)
	}
	defer vw.Stop()

	if err := os.Remove(record); err != nil {
		t.Fatal(err)
	}
	waitForRemoved(t, rec, "测试系列/001-第1话/001-第1话.md")
}

func TestWatcherIgnoresNonRecordFiles(t *testing.T) {
	root := t.TempDir()
	img := filepath.Join(root, "001.jpg")
	if err := os.WriteFile(img, []byte{0xff}, 0644); err != nil {
		t.Fatal(err)
	}

	rec := &removedRecorder{}
	vw, err := NewVaultWatcher(root, logger.NewNop(), rec.record)
	if err != nil {
		t.Fatal(err)
	}
	if err := vw.Start(); err != nil {
		t.Fatal(err)
	}
	defer vw.Stop()

	if err := os.Remove(img); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 0 {
		t.Errorf("图片删除不应触发回调, 收到 %v", got)
	}
}

func TestWatcherCoversNewDirectories(t *testing.T) {
	root := t.TempDir()

	rec := &removedRecorder{}
	vw, err := NewVaultWatcher(root, logger.NewNop(), rec.record)
	if err != nil {
		t.Fatal(err)
	}
	if err := vw.Start(); err != nil {
		t.Fatal(err)
	}
	defer vw.Stop()

	// 启动后才出现的子目录也要被纳入监控
	dir := filepath.Join(root, "新系列")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)

	record := filepath.Join(dir, "002-第2话.md")
	if err := os.WriteFile(record, []byte("# 第2话\n"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := os.Remove(record); err != nil {
		t.Fatal(err)
	}
	waitForRemoved(t, rec, "新系列/002-第2话.md")
}

func TestWatcherStartTwiceFails(t *testing.T) {
	vw, err := NewVaultWatcher(t.TempDir(), logger.NewNop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := vw.Start(); err != nil {
		t.Fatal(err)
	}
	defer vw.Stop()
	if err := vw.Start(); err == nil {
		t.Error("重复启动应当报错")
	}
}

func TestWatcherStopWithoutStart(t *testing.T) {
	vw, err := NewVaultWatcher(t.TempDir(), logger.NewNop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := vw.Stop(); err != nil {
		t.Errorf("未启动时停止应为空操作: %v", err)
	}
}
