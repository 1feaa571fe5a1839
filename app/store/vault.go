package store

import (
	"fmt"
	"os"
	"path/filepath"

	"toon-archive/app/logger"
)

// VaultStore 本地文件系统内容库。所有路径都是相对于根目录的
// 库内路径，写二进制时先写临时文件再重命名，避免留下半成品。
type VaultStore struct {
	root string
	log  *logger.Logger
}

// NewVaultStore 创建内容库
func NewVaultStore(root string, log *logger.Logger) (*VaultStore, error) {
	if root == "" {
		return nil, fmt.Errorf("内容库根目录不能为空")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("创建内容库根目录失败: %w", err)
	}
	return &VaultStore{root: root, log: log}, nil
}

// Root 返回根目录
func (v *VaultStore) Root() string {
	return v.root
}

// Abs 把库内路径转换为绝对路径
func (v *VaultStore) Abs(path string) string {
	return filepath.Join(v.root, filepath.FromSlash(path))
}

// CreateFolder 创建文件夹，已存在时视为成功
func (v *VaultStore) CreateFolder(path string) error {
	if err := os.MkdirAll(v.Abs(path), 0755); err != nil {
		return fmt.Errorf("创建文件夹失败: %w", err)
	}
	return nil
}

// WriteBinary 写入二进制内容。先写临时文件，校验写入字节数后
// 重命名为最终文件名。
func (v *VaultStore) WriteBinary(path string, data []byte) error {
	abs := v.Abs(path)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("创建保存目录失败: %w", err)
	}

	tmp := abs + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("创建文件失败: %w", err)
	}

	written, err := file.Write(data)
	if err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("写入文件内容失败: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("刷新文件到磁盘失败: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("关闭文件失败: %w", err)
	}

	if written != len(data) {
		os.Remove(tmp)
		return fmt.Errorf("写入不完整: 期望 %d bytes, 实际 %d bytes", len(data), written)
	}

	if err := os.Rename(tmp, abs); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("重命名文件失败: %w", err)
	}
	return nil
}

// FileExists 判断库内文件是否存在
func (v *VaultStore) FileExists(path string) bool {
	info, err := os.Stat(v.Abs(path))
	return err == nil && !info.IsDir()
}

// RecordExists 判断记录文件是否存在
func (v *VaultStore) RecordExists(path string) bool {
	return v.FileExists(path)
}

// CreateRecord 创建文本记录
func (v *VaultStore) CreateRecord(path, content string) error {
	abs := v.Abs(path)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("创建记录目录失败: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		return fmt.Errorf("创建记录失败: %w", err)
	}
	return nil
}

// ModifyRecord 覆盖已有记录
func (v *VaultStore) ModifyRecord(path, content string) error {
	abs := v.Abs(path)
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("记录不存在: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		return fmt.Errorf("修改记录失败: %w", err)
	}
	return nil
}

// ReadRecord 读取记录内容
func (v *VaultStore) ReadRecord(path string) (string, error) {
	data, err := os.ReadFile(v.Abs(path))
	if err != nil {
		return "", fmt.Errorf("读取记录失败: %w", err)
	}
	return string(data), nil
}
