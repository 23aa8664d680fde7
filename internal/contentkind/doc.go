// Package contentkind 聚合各类可缓存内容（条目 HTML、图片、图片信息 JSON）的键生成策略，
// 并提供统一的注册入口。
//
// 新增内容类型时需要：
//   1. 在 internal/contentkind/<kind>/ 目录下实现 KeyGenerator 与 VariantPolicy；
//   2. 在 init() 中通过 MustRegister 注册 Metadata；
//   3. 保证 ItemKey 对同一逻辑资源稳定，磁盘文件名统一由 FileName 派生。
package contentkind
