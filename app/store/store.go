package store

// ContentStore 持久化内容库的抽象：创建文件夹、写入二进制、
// 创建/修改/读取文本记录。实现必须容忍文件夹已存在的竞争。
type ContentStore interface {
	CreateFolder(path string) error
	WriteBinary(path string, data []byte) error
	FileExists(path string) bool
	RecordExists(path string) bool
	CreateRecord(path, content string) error
	ModifyRecord(path, content string) error
	ReadRecord(path string) (string, error)
}
