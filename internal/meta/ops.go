package meta

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wikicache/wikicache/internal/contentkind"
	"github.com/wikicache/wikicache/internal/fetch"
)

// Desired 是一次同步希望分组持有的资源。
type Desired struct {
	ID      contentkind.Identifier
	Request fetch.Request
}

// Diff 描述分组当前状态与期望状态之间的差异。
type Diff struct {
	// Add 需要回源下载；对应的待下载行已创建并关联到分组。
	Add []Desired
	// Linked 已被其他分组下载且满足需求，仅建立关联。
	Linked []contentkind.Identifier
	// Remove 不再需要且仅被本分组引用，需要删除行与文件。
	Remove []contentkind.Identifier
	// Unlinked 不再需要但仍被其他分组引用，只解除本分组的关联。
	Unlinked []contentkind.Identifier
}

// Empty 报告差异是否为空。
func (d Diff) Empty() bool {
	return len(d.Add) == 0 && len(d.Linked) == 0 && len(d.Remove) == 0 && len(d.Unlinked) == 0
}

// FetchOrCreateGroup 返回 groupKey 对应的分组，不存在时创建。
func (s *Store) FetchOrCreateGroup(ctx context.Context, groupKey string) (CacheGroup, error) {
	var group CacheGroup
	err := s.perform(ctx, func(tx *gorm.DB) error {
		g, err := fetchOrCreateGroup(tx, groupKey)
		if err != nil {
			return err
		}
		group = *g
		return nil
	})
	return group, err
}

// FetchOrCreateItem 返回 id 对应的条目，不存在时以待下载状态创建。
func (s *Store) FetchOrCreateItem(ctx context.Context, id contentkind.Identifier, url string) (CacheItem, error) {
	var item CacheItem
	err := s.perform(ctx, func(tx *gorm.DB) error {
		it, err := s.fetchOrCreateItem(tx, id, url)
		if err != nil {
			return err
		}
		item = *it
		return nil
	})
	return item, err
}

// ComputeDiff 比较分组已关联的条目与 desired，并在同一事务内完成无需网络的部分：
// 为待下载资源建立待下载行与关联，为可复用资源建立关联，解除共享资源的关联。
// 仅被本分组引用的资源放入 Remove，由调用方在删除阶段处理。
func (s *Store) ComputeDiff(ctx context.Context, groupKey string, desired []Desired, policy contentkind.VariantPolicy) (Diff, error) {
	if policy == nil {
		policy = contentkind.ExactVariant
	}
	var diff Diff
	err := s.perform(ctx, func(tx *gorm.DB) error {
		diff = Diff{}
		group, err := fetchOrCreateGroup(tx, groupKey)
		if err != nil {
			return err
		}
		current, err := groupItems(tx, group.ID)
		if err != nil {
			return err
		}

		keep := make(map[uint]struct{}, len(desired))
		seen := make(map[contentkind.Identifier]struct{}, len(desired))
		for _, want := range desired {
			if _, dup := seen[want.ID]; dup {
				continue
			}
			seen[want.ID] = struct{}{}

			if held := pickSatisfying(current, want.ID, policy); held != nil {
				keep[held.ID] = struct{}{}
				continue
			}

			candidates, err := downloadedByKey(tx, want.ID.ItemKey)
			if err != nil {
				return err
			}
			if shared := pickSatisfying(candidates, want.ID, policy); shared != nil {
				if err := link(tx, group.ID, shared.ID); err != nil {
					return err
				}
				keep[shared.ID] = struct{}{}
				diff.Linked = append(diff.Linked, shared.Identifier())
				continue
			}

			pending, err := s.fetchOrCreateItem(tx, want.ID, want.Request.URL)
			if err != nil {
				return err
			}
			if err := link(tx, group.ID, pending.ID); err != nil {
				return err
			}
			keep[pending.ID] = struct{}{}
			diff.Add = append(diff.Add, want)
		}

		for _, item := range current {
			if _, ok := keep[item.ID]; ok {
				continue
			}
			refs, err := referenceCount(tx, item.ID)
			if err != nil {
				return err
			}
			if refs <= 1 {
				diff.Remove = append(diff.Remove, item.Identifier())
				continue
			}
			if err := unlink(tx, group.ID, item.ID); err != nil {
				return err
			}
			diff.Unlinked = append(diff.Unlinked, item.Identifier())
		}
		return nil
	})
	return diff, err
}

// MarkDownloaded 记录 id 已落盘：确保分组、条目与关联存在，置 is_downloaded 并刷新 date。
func (s *Store) MarkDownloaded(ctx context.Context, groupKey string, id contentkind.Identifier, url string) error {
	return s.perform(ctx, func(tx *gorm.DB) error {
		group, err := fetchOrCreateGroup(tx, groupKey)
		if err != nil {
			return err
		}
		item, err := s.fetchOrCreateItem(tx, id, url)
		if err != nil {
			return err
		}
		updates := map[string]any{"is_downloaded": true, "date": s.now()}
		if url != "" {
			updates["url"] = url
		}
		if err := tx.Model(&CacheItem{}).Where("id = ?", item.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("mark %s downloaded: %w", id, err)
		}
		return link(tx, group.ID, item.ID)
	})
}

// Touch 刷新条目的 date，用于重新验证后未变化的资源。
func (s *Store) Touch(ctx context.Context, id contentkind.Identifier) error {
	return s.perform(ctx, func(tx *gorm.DB) error {
		item, err := findItem(tx, id)
		if err != nil {
			return err
		}
		if item == nil {
			return ErrItemNotFound
		}
		return tx.Model(&CacheItem{}).Where("id = ?", item.ID).Update("date", s.now()).Error
	})
}

// RemoveItem 解除 groupKey 与 id 的关联；若已无分组引用则删除条目行并返回 true。
func (s *Store) RemoveItem(ctx context.Context, groupKey string, id contentkind.Identifier) (bool, error) {
	var orphaned bool
	err := s.perform(ctx, func(tx *gorm.DB) error {
		orphaned = false
		item, err := findItem(tx, id)
		if err != nil {
			return err
		}
		if item == nil {
			return ErrItemNotFound
		}
		group, err := findGroup(tx, groupKey)
		if err != nil {
			return err
		}
		if group != nil {
			if err := unlink(tx, group.ID, item.ID); err != nil {
				return err
			}
		}
		refs, err := referenceCount(tx, item.ID)
		if err != nil {
			return err
		}
		if refs > 0 {
			return nil
		}
		if err := deleteItem(tx, item.ID); err != nil {
			return err
		}
		orphaned = true
		return nil
	})
	return orphaned, err
}

// RemoveGroup 删除分组及其全部关联，返回因此失去所有引用而被删除的条目。
func (s *Store) RemoveGroup(ctx context.Context, groupKey string) ([]contentkind.Identifier, error) {
	var orphaned []contentkind.Identifier
	err := s.perform(ctx, func(tx *gorm.DB) error {
		orphaned = nil
		group, err := findGroup(tx, groupKey)
		if err != nil {
			return err
		}
		if group == nil {
			return ErrGroupNotFound
		}
		items, err := groupItems(tx, group.ID)
		if err != nil {
			return err
		}
		if err := tx.Where("group_id = ?", group.ID).Delete(&CacheGroupItem{}).Error; err != nil {
			return fmt.Errorf("unlink group %s: %w", groupKey, err)
		}
		for _, item := range items {
			refs, err := referenceCount(tx, item.ID)
			if err != nil {
				return err
			}
			if refs > 0 {
				continue
			}
			if err := deleteItem(tx, item.ID); err != nil {
				return err
			}
			orphaned = append(orphaned, item.Identifier())
		}
		if err := tx.Delete(&CacheGroup{}, group.ID).Error; err != nil {
			return fmt.Errorf("delete group %s: %w", groupKey, err)
		}
		return nil
	})
	return orphaned, err
}

// ShouldDownloadVariant 报告是否需要下载 (itemKey, variant)：
// 已有满足 policy 的已下载变体时返回 false。
func (s *Store) ShouldDownloadVariant(ctx context.Context, itemKey, variant string, policy contentkind.VariantPolicy) (bool, error) {
	_, found, err := s.Satisfying(ctx, contentkind.Identifier{ItemKey: itemKey, Variant: variant}, policy)
	if err != nil {
		return false, err
	}
	return !found, nil
}

// Satisfying 返回能满足 id 的已下载条目：优先完全一致的变体，其次按 policy 选择。
func (s *Store) Satisfying(ctx context.Context, id contentkind.Identifier, policy contentkind.VariantPolicy) (contentkind.Identifier, bool, error) {
	if policy == nil {
		policy = contentkind.ExactVariant
	}
	var (
		found contentkind.Identifier
		ok    bool
	)
	err := s.perform(ctx, func(tx *gorm.DB) error {
		candidates, err := downloadedByKey(tx, id.ItemKey)
		if err != nil {
			return err
		}
		if item := pickSatisfying(candidates, id, policy); item != nil {
			found, ok = item.Identifier(), true
		}
		return nil
	})
	return found, ok, err
}

// ItemExists 报告 id 是否仍有条目行（含待下载行）。
func (s *Store) ItemExists(ctx context.Context, id contentkind.Identifier) (bool, error) {
	var exists bool
	err := s.perform(ctx, func(tx *gorm.DB) error {
		item, err := findItem(tx, id)
		if err != nil {
			return err
		}
		exists = item != nil
		return nil
	})
	return exists, err
}

// Item 返回 id 的条目快照。
func (s *Store) Item(ctx context.Context, id contentkind.Identifier) (Item, error) {
	var out Item
	err := s.perform(ctx, func(tx *gorm.DB) error {
		item, err := findItem(tx, id)
		if err != nil {
			return err
		}
		if item == nil {
			return ErrItemNotFound
		}
		refs, err := referenceCount(tx, item.ID)
		if err != nil {
			return err
		}
		out = toItem(*item, int(refs))
		return nil
	})
	return out, err
}

// GroupItems 列出分组关联的条目及各自的引用计数。
func (s *Store) GroupItems(ctx context.Context, groupKey string) ([]Item, error) {
	var out []Item
	err := s.perform(ctx, func(tx *gorm.DB) error {
		out = nil
		group, err := findGroup(tx, groupKey)
		if err != nil {
			return err
		}
		if group == nil {
			return ErrGroupNotFound
		}
		rows, err := groupItems(tx, group.ID)
		if err != nil {
			return err
		}
		for _, row := range rows {
			refs, err := referenceCount(tx, row.ID)
			if err != nil {
				return err
			}
			out = append(out, toItem(row, int(refs)))
		}
		return nil
	})
	return out, err
}

// ReferenceCount 返回引用 id 的分组数量，条目不存在时为 0。
func (s *Store) ReferenceCount(ctx context.Context, id contentkind.Identifier) (int, error) {
	var count int
	err := s.perform(ctx, func(tx *gorm.DB) error {
		count = 0
		item, err := findItem(tx, id)
		if err != nil || item == nil {
			return err
		}
		refs, err := referenceCount(tx, item.ID)
		count = int(refs)
		return err
	})
	return count, err
}

// KnownFileNames 返回所有条目行对应的 blob 文件名，用于清理孤立文件。
func (s *Store) KnownFileNames(ctx context.Context) (map[string]struct{}, error) {
	names := make(map[string]struct{})
	err := s.perform(ctx, func(tx *gorm.DB) error {
		var rows []CacheItem
		if err := tx.Select("item_key", "variant").Find(&rows).Error; err != nil {
			return fmt.Errorf("list items: %w", err)
		}
		for _, row := range rows {
			names[row.Identifier().FileName()] = struct{}{}
		}
		return nil
	})
	return names, err
}

// Stats 汇总分组数、条目数与已下载条目数。
type Stats struct {
	Groups     int64 `json:"groups"`
	Items      int64 `json:"items"`
	Downloaded int64 `json:"downloaded"`
}

// Stats 返回当前库的计数。
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.perform(ctx, func(tx *gorm.DB) error {
		if err := tx.Model(&CacheGroup{}).Count(&st.Groups).Error; err != nil {
			return err
		}
		if err := tx.Model(&CacheItem{}).Count(&st.Items).Error; err != nil {
			return err
		}
		return tx.Model(&CacheItem{}).Where("is_downloaded = ?", true).Count(&st.Downloaded).Error
	})
	return st, err
}

func findGroup(tx *gorm.DB, groupKey string) (*CacheGroup, error) {
	var group CacheGroup
	err := tx.Where("group_key = ?", groupKey).First(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find group %s: %w", groupKey, err)
	}
	return &group, nil
}

func fetchOrCreateGroup(tx *gorm.DB, groupKey string) (*CacheGroup, error) {
	if groupKey == "" {
		return nil, errors.New("group key required")
	}
	group, err := findGroup(tx, groupKey)
	if err != nil || group != nil {
		return group, err
	}
	group = &CacheGroup{GroupKey: groupKey}
	if err := tx.Create(group).Error; err != nil {
		return nil, fmt.Errorf("create group %s: %w", groupKey, err)
	}
	return group, nil
}

func findItem(tx *gorm.DB, id contentkind.Identifier) (*CacheItem, error) {
	var item CacheItem
	err := tx.Where("item_key = ? AND variant = ?", id.ItemKey, id.Variant).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find item %s: %w", id, err)
	}
	return &item, nil
}

func (s *Store) fetchOrCreateItem(tx *gorm.DB, id contentkind.Identifier, url string) (*CacheItem, error) {
	if id.ItemKey == "" {
		return nil, errors.New("item key required")
	}
	item, err := findItem(tx, id)
	if err != nil {
		return nil, err
	}
	if item != nil {
		if url != "" && item.URL != url {
			if err := tx.Model(&CacheItem{}).Where("id = ?", item.ID).Update("url", url).Error; err != nil {
				return nil, fmt.Errorf("update item %s: %w", id, err)
			}
			item.URL = url
		}
		return item, nil
	}
	item = &CacheItem{ItemKey: id.ItemKey, Variant: id.Variant, URL: url, Date: s.now()}
	if err := tx.Create(item).Error; err != nil {
		return nil, fmt.Errorf("create item %s: %w", id, err)
	}
	return item, nil
}

func groupItems(tx *gorm.DB, groupID uint) ([]CacheItem, error) {
	var items []CacheItem
	err := tx.Model(&CacheItem{}).
		Select("cache_items.*").
		Joins("JOIN cache_group_items ON cache_group_items.item_id = cache_items.id").
		Where("cache_group_items.group_id = ?", groupID).
		Order("cache_items.id").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("list group items: %w", err)
	}
	return items, nil
}

func downloadedByKey(tx *gorm.DB, itemKey string) ([]CacheItem, error) {
	var items []CacheItem
	err := tx.Where("item_key = ? AND is_downloaded = ?", itemKey, true).Order("id").Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("list variants of %s: %w", itemKey, err)
	}
	return items, nil
}

// pickSatisfying 优先返回变体完全一致的已下载条目，其次返回首个满足 policy 的条目。
func pickSatisfying(items []CacheItem, want contentkind.Identifier, policy contentkind.VariantPolicy) *CacheItem {
	var fallback *CacheItem
	for i := range items {
		item := &items[i]
		if !item.IsDownloaded || item.ItemKey != want.ItemKey {
			continue
		}
		if item.Variant == want.Variant {
			return item
		}
		if fallback == nil && policy.Satisfies(want.Variant, item.Variant) {
			fallback = item
		}
	}
	return fallback
}

func link(tx *gorm.DB, groupID, itemID uint) error {
	row := CacheGroupItem{GroupID: groupID, ItemID: itemID}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("link group %d item %d: %w", groupID, itemID, err)
	}
	return nil
}

func unlink(tx *gorm.DB, groupID, itemID uint) error {
	err := tx.Where("group_id = ? AND item_id = ?", groupID, itemID).Delete(&CacheGroupItem{}).Error
	if err != nil {
		return fmt.Errorf("unlink group %d item %d: %w", groupID, itemID, err)
	}
	return nil
}

func referenceCount(tx *gorm.DB, itemID uint) (int64, error) {
	var refs int64
	if err := tx.Model(&CacheGroupItem{}).Where("item_id = ?", itemID).Count(&refs).Error; err != nil {
		return 0, fmt.Errorf("count references: %w", err)
	}
	return refs, nil
}

func deleteItem(tx *gorm.DB, itemID uint) error {
	if err := tx.Where("item_id = ?", itemID).Delete(&CacheGroupItem{}).Error; err != nil {
		return fmt.Errorf("unlink item %d: %w", itemID, err)
	}
	if err := tx.Delete(&CacheItem{}, itemID).Error; err != nil {
		return fmt.Errorf("delete item %d: %w", itemID, err)
	}
	return nil
}
