package database

import (
	"fmt"

	"clip-flow/app/auth"
	"clip-flow/app/config"
	"clip-flow/app/model"
)

// InitAdminUser 初始化管理员账户
func (d *Database) InitAdminUser(cfg *config.Config) error {
	if cfg.Server.Username == "" || cfg.Server.Password == "" {
		return fmt.Errorf("管理员账户配置不能为空，请在配置文件中设置 username 和 password")
	}

	var existing model.User
	result := d.DB.Where("is_admin = ?", true).First(&existing)
	if result.Error == nil {
		// 已存在管理员，按配置同步用户名与密码
		needUpdate := false
		if existing.Username != cfg.Server.Username {
			d.logger.Infof("管理员用户名从 '%s' 更新为 '%s'", existing.Username, cfg.Server.Username)
			existing.Username = cfg.Server.Username
			needUpdate = true
		}
		if !auth.VerifyPassword(cfg.Server.Password, existing.Password) {
			hashed, err := auth.HashPassword(cfg.Server.Password)
			if err != nil {
				return fmt.Errorf("哈希密码失败: %v", err)
			}
			existing.Password = hashed
			needUpdate = true
			d.logger.Infof("管理员 '%s' 密码已更新", cfg.Server.Username)
		}
		if needUpdate {
			if err := d.DB.Save(&existing).Error; err != nil {
				return fmt.Errorf("更新管理员账户失败: %v", err)
			}
		}
		return nil
	}

	// 不存在管理员，创建
	hashed, err := auth.HashPassword(cfg.Server.Password)
	if err != nil {
		return fmt.Errorf("哈希密码失败: %v", err)
	}
	admin := model.User{
		Username: cfg.Server.Username,
		Password: hashed,
		IsAdmin:  true,
	}
	if err := d.DB.Create(&admin).Error; err != nil {
		return fmt.Errorf("创建管理员账户失败: %v", err)
	}

	d.logger.Infof("管理员账户 '%s' 创建成功", cfg.Server.Username)
	return nil
}
