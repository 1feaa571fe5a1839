package database

import "toon-archive/app/model"

func AutoMigrate() error {
	// 自动迁移表结构
	return DB.AutoMigrate(
		&model.User{},
		&model.DownloadJob{},
		&model.DownloadSession{},
		&model.SilentDownload{},
	)
}
