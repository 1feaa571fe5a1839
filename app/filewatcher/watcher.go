package filewatcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"toon-archive/app/logger"

	"github.com/fsnotify/fsnotify"
)

// RemovedFunc 记录文件被删除时的回调，path 为相对库根的路径
type RemovedFunc func(relPath string)

// VaultWatcher 内容库监控器：递归监控库根目录，
// 捕获 markdown 记录的删除/改名事件并通知回调，
// 供上层把对应任务重置回等待状态以便重新下载。
type VaultWatcher struct {
	root      string
	watcher   *fsnotify.Watcher
	logger    *logger.Logger
	onRemoved RemovedFunc
	stopCh    chan struct{}
	wg        sync.WaitGroup
	watching  bool
	mu        sync.RWMutex
}

// NewVaultWatcher 创建新的内容库监控器
func NewVaultWatcher(root string, log *logger.Logger, onRemoved RemovedFunc) (*VaultWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %w", err)
	}

	return &VaultWatcher{
		root:      root,
		watcher:   watcher,
		logger:    log,
		onRemoved: onRemoved,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start 启动监控
func (vw *VaultWatcher) Start() error {
	vw.mu.Lock()
	defer vw.mu.Unlock()

	if vw.watching {
		return fmt.Errorf("内容库监控器已经在运行")
	}

	if _, err := os.Stat(vw.root); os.IsNotExist(err) {
		if err := os.MkdirAll(vw.root, 0755); err != nil {
			return fmt.Errorf("创建库根目录失败: %w", err)
		}
	}

	if err := vw.addWatchPaths(); err != nil {
		return fmt.Errorf("添加监控路径失败: %w", err)
	}

	vw.watching = true
	vw.wg.Add(1)

	go vw.watchLoop()

	vw.logger.Infof("内容库监控器已启动，监控目录: %s", vw.root)
	return nil
}

// Stop 停止监控
func (vw *VaultWatcher) Stop() error {
	vw.mu.Lock()
	defer vw.mu.Unlock()

	if !vw.watching {
		return nil
	}

	close(vw.stopCh)
	vw.watcher.Close()
	vw.wg.Wait()
	vw.watching = false

	vw.logger.Info("内容库监控器已停止")
	return nil
}

// addWatchPaths 递归添加库根及全部子目录
func (vw *VaultWatcher) addWatchPaths() error {
	if err := vw.watcher.Add(vw.root); err != nil {
		return fmt.Errorf("添加根监控目录失败: %w", err)
	}

	err := filepath.Walk(vw.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && path != vw.root {
			if err := vw.watcher.Add(path); err != nil {
				vw.logger.Warnf("添加子目录监控失败: %s, 错误: %v", path, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("递归添加监控目录失败: %w", err)
	}

	return nil
}

// watchLoop 监控事件循环
func (vw *VaultWatcher) watchLoop() {
	defer vw.wg.Done()

	for {
		select {
		case event, ok := <-vw.watcher.Events:
			if !ok {
				return
			}
			vw.handleEvent(event)

		case err, ok := <-vw.watcher.Errors:
			if !ok {
				return
			}
			vw.logger.Errorf("内容库监控器错误: %v", err)

		case <-vw.stopCh:
			return
		}
	}
}

// handleEvent 处理文件系统事件
func (vw *VaultWatcher) handleEvent(event fsnotify.Event) {
	// 新建目录加入监控，保持递归覆盖
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := vw.watcher.Add(event.Name); err != nil {
				vw.logger.Warnf("添加新目录监控失败: %s, 错误: %v", event.Name, err)
			} else {
				vw.logger.Debugf("添加新目录监控: %s", event.Name)
			}
		}
		return
	}

	// 记录被删除或移走时通知上层
	if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if strings.ToLower(filepath.Ext(event.Name)) != ".md" {
		return
	}

	relPath, err := filepath.Rel(vw.root, event.Name)
	if err != nil {
		vw.logger.Warnf("计算相对路径失败: %s, 错误: %v", event.Name, err)
		return
	}
	relPath = filepath.ToSlash(relPath)

	vw.logger.Infof("检测到记录被移除: %s", relPath)
	if vw.onRemoved != nil {
		vw.onRemoved(relPath)
	}
}
