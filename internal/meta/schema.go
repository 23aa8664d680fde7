package meta

import (
	"time"

	"github.com/wikicache/wikicache/internal/contentkind"
)

// CacheGroup 是一组被同一逻辑内容（例如一篇条目）共同需要的资源。
type CacheGroup struct {
	ID        uint   `gorm:"primaryKey"`
	GroupKey  string `gorm:"type:text;uniqueIndex;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CacheItem 是单个可缓存资源，(ItemKey, Variant) 唯一；无变体时 Variant 为空串。
type CacheItem struct {
	ID           uint      `gorm:"primaryKey"`
	ItemKey      string    `gorm:"type:text;not null;uniqueIndex:idx_cache_item_identity"`
	Variant      string    `gorm:"type:text;not null;uniqueIndex:idx_cache_item_identity"`
	URL          string    `gorm:"type:text"`
	Date         time.Time `gorm:"not null"`
	IsDownloaded bool      `gorm:"not null;default:false"`
}

// CacheGroupItem 是分组与条目之间的邻接关系，条目的引用计数即其行数。
type CacheGroupItem struct {
	GroupID   uint `gorm:"primaryKey;autoIncrement:false"`
	ItemID    uint `gorm:"primaryKey;autoIncrement:false;index"`
	CreatedAt time.Time
}

// Identifier 返回条目的逻辑标识。
func (i CacheItem) Identifier() contentkind.Identifier {
	return contentkind.Identifier{ItemKey: i.ItemKey, Variant: i.Variant}
}

// Item 是对外暴露的条目快照，附带引用计数。
type Item struct {
	ID           contentkind.Identifier
	URL          string
	Date         time.Time
	IsDownloaded bool
	References   int
}

func toItem(row CacheItem, refs int) Item {
	return Item{
		ID:           row.Identifier(),
		URL:          row.URL,
		Date:         row.Date,
		IsDownloaded: row.IsDownloaded,
		References:   refs,
	}
}
