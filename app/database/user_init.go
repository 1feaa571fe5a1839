package database

import (
	"fmt"

	"toon-archive/app/config"
	"toon-archive/app/logger"
	"toon-archive/app/model"
	"toon-archive/app/utils"
)

// InitAdminUser 初始化管理员账户
func InitAdminUser(cfg *config.Config, log *logger.Logger) error {
	// 检查配置文件中是否有管理员用户名和密码
	if cfg.Server.Username == "" || cfg.Server.Password == "" {
		return fmt.Errorf("管理员账户配置不能为空，请在配置文件中设置 username 和 password")
	}

	// 查找是否已存在同名用户
	var existing model.User
	result := DB.Where("username = ?", cfg.Server.Username).First(&existing)

	if result.Error == nil {
		// 用户已存在，检查密码是否需要更新
		if !utils.VerifyPassword(cfg.Server.Password, existing.Password) {
			hashed, err := utils.HashPassword(cfg.Server.Password)
			if err != nil {
				return fmt.Errorf("哈希密码失败: %v", err)
			}
			existing.Password = hashed
			if err := DB.Save(&existing).Error; err != nil {
				return fmt.Errorf("更新管理员账户失败: %v", err)
			}
			log.Infof("管理员 '%s' 密码已更新", cfg.Server.Username)
		}
		return nil
	}

	// 不存在则创建
	hashed, err := utils.HashPassword(cfg.Server.Password)
	if err != nil {
		return fmt.Errorf("哈希密码失败: %v", err)
	}

	admin := model.User{
		Username: cfg.Server.Username,
		Password: hashed,
		IsActive: true,
	}

	if err := DB.Create(&admin).Error; err != nil {
		return fmt.Errorf("创建管理员账户失败: %v", err)
	}

	log.Infof("管理员账户 '%s' 创建成功", cfg.Server.Username)
	return nil
}
