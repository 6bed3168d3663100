package overlay

import (
	"strconv"
	"strings"
)

// Default Wikimedia Commons endpoints.
const (
	DefaultThumbBase = "https://upload.wikimedia.org/wikipedia/commons/thumb"
	DefaultWikiBase  = "https://commons.wikimedia.org/wiki"
)

// PathConfig configures URL construction.
type PathConfig struct {
	ThumbBase string
	WikiBase  string
	ThumbSize int
	ImageSize int
}

// PhotoPaths holds the derived locations of one file.
type PhotoPaths struct {
	Shard     string
	Filename  string
	Thumbnail string
	Image     string
	Link      string
}

// PathResolver maps Commons file titles to thumbnail, image and page URLs.
type PathResolver struct {
	hasher ShardHasher
	cfg    PathConfig
}

// NewPathResolver builds a PathResolver, filling empty config fields with the
// Commons defaults.
func NewPathResolver(hasher ShardHasher, cfg PathConfig) *PathResolver {
	if cfg.ThumbBase == "" {
		cfg.ThumbBase = DefaultThumbBase
	}
	if cfg.WikiBase == "" {
		cfg.WikiBase = DefaultWikiBase
	}
	if cfg.ThumbSize <= 0 {
		cfg.ThumbSize = DefaultThumbSize
	}
	if cfg.ImageSize <= 0 {
		cfg.ImageSize = DefaultImageSize
	}
	cfg.ThumbBase = strings.TrimRight(cfg.ThumbBase, "/")
	cfg.WikiBase = strings.TrimRight(cfg.WikiBase, "/")
	return &PathResolver{hasher: hasher, cfg: cfg}
}

// Resolve derives the paths for name, a title with its namespace prefix
// already removed. The link uses name as given.
func (r *PathResolver) Resolve(name string) PhotoPaths {
	return r.resolve(name, name)
}

// ResolveTitle derives the paths for a namespace-prefixed title such as
// "File:Example.jpg".
func (r *PathResolver) ResolveTitle(title string) PhotoPaths {
	return r.resolve(StripNamespace(title), title)
}

func (r *PathResolver) resolve(name, title string) PhotoPaths {
	file := strings.ReplaceAll(name, " ", "_")
	shard := r.hasher.ShardKey(file)
	return PhotoPaths{
		Shard:     shard,
		Filename:  file,
		Thumbnail: r.variant(shard, file, r.cfg.ThumbSize),
		Image:     r.variant(shard, file, r.cfg.ImageSize),
		Link:      r.cfg.WikiBase + "/" + title,
	}
}

func (r *PathResolver) variant(shard, file string, size int) string {
	bucket := shard
	if len(bucket) > 1 {
		bucket = bucket[:1]
	}
	var b strings.Builder
	b.WriteString(r.cfg.ThumbBase)
	b.WriteByte('/')
	b.WriteString(bucket)
	b.WriteByte('/')
	b.WriteString(shard)
	b.WriteByte('/')
	b.WriteString(file)
	b.WriteByte('/')
	b.WriteString(strconv.Itoa(size))
	b.WriteString("px-")
	b.WriteString(file)
	return b.String()
}

// StripNamespace removes a leading "Namespace:" prefix from a page title.
func StripNamespace(title string) string {
	if _, name, ok := strings.Cut(title, ":"); ok {
		return name
	}
	return title
}
