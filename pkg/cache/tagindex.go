package cache

// tagIndex 标签到键集合的倒排索引。调用方负责加锁。
type tagIndex struct {
	byTag map[string]map[string]struct{}
}

func newTagIndex() *tagIndex {
	return &tagIndex{byTag: make(map[string]map[string]struct{})}
}

// add 将 key 登记到每个标签下
func (ti *tagIndex) add(key string, tags []string) {
	for _, tag := range tags {
		keys, ok := ti.byTag[tag]
		if !ok {
			keys = make(map[string]struct{})
			ti.byTag[tag] = keys
		}
		keys[key] = struct{}{}
	}
}

// remove 将 key 从每个标签下移除，空集合随之删除
func (ti *tagIndex) remove(key string, tags []string) {
	for _, tag := range tags {
		keys, ok := ti.byTag[tag]
		if !ok {
			continue
		}
		delete(keys, key)
		if len(keys) == 0 {
			delete(ti.byTag, tag)
		}
	}
}

// keys 返回标签下所有键的快照
func (ti *tagIndex) keys(tag string) []string {
	set := ti.byTag[tag]
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

func (ti *tagIndex) len() int {
	return len(ti.byTag)
}

func (ti *tagIndex) reset() {
	ti.byTag = make(map[string]map[string]struct{})
}
