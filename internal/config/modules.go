package config

import (
	_ "github.com/wikicache/wikicache/internal/contentkind/article"
	_ "github.com/wikicache/wikicache/internal/contentkind/image"
	_ "github.com/wikicache/wikicache/internal/contentkind/imageinfo"
)
