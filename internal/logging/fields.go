package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// GroupFields 描述一次针对分组的操作（同步、删除、取消、重新验证）。
func GroupFields(action, controller, kind, group string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"controller": controller,
		"kind":       kind,
		"group":      group,
	}
}

// ItemFields 在分组字段基础上附加单个资源的标识。
func ItemFields(action, controller, group, item, url string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"controller": controller,
		"group":      group,
		"item":       item,
		"url":        url,
	}
}

// ResponseFields 提供离线读取路径的命中状态字段。
func ResponseFields(controller, kind, url string, cacheHit bool, memoryHit bool) logrus.Fields {
	return logrus.Fields{
		"action":     "response",
		"controller": controller,
		"kind":       kind,
		"url":        url,
		"cache_hit":  cacheHit,
		"memory_hit": memoryHit,
	}
}
